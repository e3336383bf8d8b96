package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"meetingIntel/core"
)

// Config 服务配置。先读 config.json / config.yaml，再由环境变量覆盖
type Config struct {
	Port string `json:"port" yaml:"port"`

	// 模型服务
	APIKey             string `json:"api_key" yaml:"api_key"`
	BaseURL            string `json:"base_url" yaml:"base_url"`
	ChatModel          string `json:"chat_model" yaml:"chat_model"`
	EmbeddingModel     string `json:"embedding_model" yaml:"embedding_model"`
	EmbeddingDim       int    `json:"embedding_dim" yaml:"embedding_dim"`
	TranscriptionModel string `json:"transcription_model" yaml:"transcription_model"`
	LLMProvider        string `json:"llm_provider" yaml:"llm_provider"` // "openai", "gemini"
	GeminiAPIKey       string `json:"gemini_api_key" yaml:"gemini_api_key"`
	GeminiModel        string `json:"gemini_model" yaml:"gemini_model"`
	ASRProvider        string `json:"asr_provider" yaml:"asr_provider"` // "openai", "local", "mock"
	ASRLanguage        string `json:"asr_language" yaml:"asr_language"`
	WhisperScript      string `json:"whisper_script" yaml:"whisper_script"`
	StructureWithLLM   bool   `json:"structure_with_llm" yaml:"structure_with_llm"`

	// 媒体处理
	FFmpegPath      string `json:"ffmpeg_path" yaml:"ffmpeg_path"`
	GPUAcceleration bool   `json:"gpu_acceleration" yaml:"gpu_acceleration"`
	GPUType         string `json:"gpu_type" yaml:"gpu_type"` // "nvidia", "amd", "intel", "auto"
	AudioEnhance    bool   `json:"audio_enhance" yaml:"audio_enhance"`

	// 上传
	DataDir           string   `json:"data_dir" yaml:"data_dir"`
	MaxUploadMB       int      `json:"max_upload_mb" yaml:"max_upload_mb"`
	AllowedExtensions []string `json:"allowed_extensions" yaml:"allowed_extensions"`
	AllowedMIME       []string `json:"allowed_mime" yaml:"allowed_mime"`

	// 检索与聊天
	RetrievalTopK int     `json:"retrieval_top_k" yaml:"retrieval_top_k"`
	MinRelevance  float64 `json:"min_relevance" yaml:"min_relevance"`
	HistoryWindow int     `json:"history_window" yaml:"history_window"`

	// 超时（秒）
	ExtractTimeoutSec    int `json:"extract_timeout_seconds" yaml:"extract_timeout_seconds"`
	TranscribeTimeoutSec int `json:"transcribe_timeout_seconds" yaml:"transcribe_timeout_seconds"`
	LLMTimeoutSec        int `json:"llm_timeout_seconds" yaml:"llm_timeout_seconds"`

	// 存储
	SessionStore     string `json:"session_store" yaml:"session_store"` // "memory", "sqlite", "postgres"
	SQLitePath       string `json:"sqlite_path" yaml:"sqlite_path"`
	PostgresURL      string `json:"postgres_url" yaml:"postgres_url"`
	VectorStore      string `json:"vector_store" yaml:"vector_store"` // "memory", "pgvector", "milvus"
	MilvusAddr       string `json:"milvus_addr" yaml:"milvus_addr"`
	MilvusUsername   string `json:"milvus_username" yaml:"milvus_username"`
	MilvusPassword   string `json:"milvus_password" yaml:"milvus_password"`
	MilvusAPIKey     string `json:"milvus_api_key" yaml:"milvus_api_key"`
	MilvusCollection string `json:"milvus_collection" yaml:"milvus_collection"`
	RetentionHours   int    `json:"retention_hours" yaml:"retention_hours"`

	PromptDir string `json:"prompt_dir" yaml:"prompt_dir"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Port:                 "5000",
		BaseURL:              "https://api.openai.com/v1",
		ChatModel:            "gpt-4o-mini",
		EmbeddingModel:       "text-embedding-3-small",
		EmbeddingDim:         1536,
		TranscriptionModel:   "whisper-1",
		LLMProvider:          "openai",
		GeminiModel:          "gemini-flash-latest",
		ASRProvider:          "openai",
		ASRLanguage:          "en",
		WhisperScript:        filepath.Join("scripts", "whisper_transcribe.py"),
		StructureWithLLM:     true,
		FFmpegPath:           "ffmpeg",
		GPUType:              "auto",
		DataDir:              filepath.Join(".", "data"),
		MaxUploadMB:          100,
		AllowedExtensions:    []string{"mp4", "avi", "mov", "mkv", "webm", "flv"},
		RetrievalTopK:        3,
		HistoryWindow:        3,
		ExtractTimeoutSec:    300,
		TranscribeTimeoutSec: 600,
		LLMTimeoutSec:        120,
		SessionStore:         "memory",
		SQLitePath:           filepath.Join(".", "data", "sessions.db"),
		VectorStore:          "memory",
		MilvusAddr:           "localhost:19530",
		MilvusCollection:     "transcript_utterances",
	}
}

// LoadConfig 加载配置：.env → CONFIG_FILE 或 config.json/config.yaml → 环境变量，最后校验
func LoadConfig() (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		for _, candidate := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		return LoadFile(path)
	}

	cfg := Default()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile 从指定文件加载，按扩展名选择 JSON 或 YAML，然后应用环境变量并校验
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Port = getEnvOrDefault("PORT", c.Port)
	c.APIKey = getEnvOrDefault("API_KEY", getEnvOrDefault("OPENAI_API_KEY", c.APIKey))
	c.BaseURL = getEnvOrDefault("BASE_URL", c.BaseURL)
	c.ChatModel = getEnvOrDefault("CHAT_MODEL", c.ChatModel)
	c.EmbeddingModel = getEnvOrDefault("EMBEDDING_MODEL", c.EmbeddingModel)
	c.EmbeddingDim = getEnvInt("EMBEDDING_DIM", c.EmbeddingDim)
	c.TranscriptionModel = getEnvOrDefault("TRANSCRIPTION_MODEL", c.TranscriptionModel)
	c.LLMProvider = strings.ToLower(getEnvOrDefault("LLM_PROVIDER", c.LLMProvider))
	c.GeminiAPIKey = getEnvOrDefault("GEMINI_API_KEY", c.GeminiAPIKey)
	c.GeminiModel = getEnvOrDefault("GEMINI_MODEL", c.GeminiModel)
	c.ASRProvider = strings.ToLower(getEnvOrDefault("ASR_PROVIDER", c.ASRProvider))
	c.ASRLanguage = getEnvOrDefault("ASR_LANGUAGE", c.ASRLanguage)
	c.WhisperScript = getEnvOrDefault("WHISPER_SCRIPT", c.WhisperScript)
	c.StructureWithLLM = getEnvBool("STRUCTURE_WITH_LLM", c.StructureWithLLM)

	c.FFmpegPath = getEnvOrDefault("FFMPEG_PATH", c.FFmpegPath)
	c.GPUAcceleration = getEnvBool("GPU_ACCELERATION", c.GPUAcceleration)
	c.GPUType = getEnvOrDefault("GPU_TYPE", c.GPUType)
	c.AudioEnhance = getEnvBool("AUDIO_ENHANCE", c.AudioEnhance)

	c.DataDir = getEnvOrDefault("DATA_DIR", c.DataDir)
	c.MaxUploadMB = getEnvInt("MAX_VIDEO_SIZE_MB", c.MaxUploadMB)
	c.AllowedExtensions = getEnvList("ALLOWED_EXTENSIONS", c.AllowedExtensions)
	c.AllowedMIME = getEnvList("ALLOWED_MIME", c.AllowedMIME)

	c.RetrievalTopK = getEnvInt("RETRIEVAL_TOP_K", c.RetrievalTopK)
	c.MinRelevance = getEnvFloat("MIN_RELEVANCE", c.MinRelevance)
	c.HistoryWindow = getEnvInt("HISTORY_WINDOW", c.HistoryWindow)

	c.ExtractTimeoutSec = getEnvInt("EXTRACT_TIMEOUT_SECONDS", c.ExtractTimeoutSec)
	c.TranscribeTimeoutSec = getEnvInt("TRANSCRIBE_TIMEOUT_SECONDS", c.TranscribeTimeoutSec)
	c.LLMTimeoutSec = getEnvInt("LLM_TIMEOUT_SECONDS", c.LLMTimeoutSec)

	c.SessionStore = strings.ToLower(getEnvOrDefault("SESSION_STORE", c.SessionStore))
	c.SQLitePath = getEnvOrDefault("SQLITE_PATH", c.SQLitePath)
	c.PostgresURL = getEnvOrDefault("POSTGRES_URL", getEnvOrDefault("DATABASE_URL", c.PostgresURL))
	c.VectorStore = strings.ToLower(getEnvOrDefault("VECTOR_STORE", c.VectorStore))
	c.MilvusAddr = getEnvOrDefault("MILVUS_ADDR", c.MilvusAddr)
	c.MilvusUsername = getEnvOrDefault("MILVUS_USERNAME", c.MilvusUsername)
	c.MilvusPassword = getEnvOrDefault("MILVUS_PASSWORD", c.MilvusPassword)
	c.MilvusAPIKey = getEnvOrDefault("MILVUS_API_KEY", c.MilvusAPIKey)
	c.MilvusCollection = getEnvOrDefault("MILVUS_COLLECTION", c.MilvusCollection)
	c.RetentionHours = getEnvInt("RETENTION_HOURS", c.RetentionHours)

	c.PromptDir = getEnvOrDefault("PROMPT_DIR", c.PromptDir)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1"
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// Validate 基本校验，缺省值在这里补齐
func (c *Config) Validate() error {
	var errors []string

	if c.MaxUploadMB <= 0 {
		errors = append(errors, "max_upload_mb must be positive")
	}
	if len(c.AllowedExtensions) == 0 {
		errors = append(errors, "allowed_extensions must not be empty")
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = 3
	}
	if c.HistoryWindow < 0 {
		c.HistoryWindow = 0
	}
	if c.EmbeddingDim <= 0 {
		c.EmbeddingDim = 1536
	}
	switch c.SessionStore {
	case "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.PostgresURL) == "" {
			errors = append(errors, "postgres_url is required for the postgres session store")
		}
	default:
		errors = append(errors, fmt.Sprintf("unknown session_store %q", c.SessionStore))
	}
	switch c.VectorStore {
	case "memory", "milvus":
	case "pgvector":
		if strings.TrimSpace(c.PostgresURL) == "" {
			errors = append(errors, "postgres_url is required for the pgvector store")
		}
	default:
		errors = append(errors, fmt.Sprintf("unknown vector_store %q", c.VectorStore))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}
	return nil
}

// HasValidAPI 是否配置了可用的 OpenAI 兼容 API
func (c *Config) HasValidAPI() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.BaseURL) != ""
}

// UploadConstraints 上传约束
func (c *Config) UploadConstraints() core.UploadConstraints {
	return core.UploadConstraints{
		MaxBytes:          int64(c.MaxUploadMB) * 1024 * 1024,
		AllowedExtensions: c.AllowedExtensions,
		AllowedMIME:       c.AllowedMIME,
	}
}

func (c *Config) ExtractTimeout() time.Duration {
	return time.Duration(c.ExtractTimeoutSec) * time.Second
}

func (c *Config) TranscribeTimeout() time.Duration {
	return time.Duration(c.TranscribeTimeoutSec) * time.Second
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSec) * time.Second
}

// RetentionTTL 转录保留时长，0 表示不清理
func (c *Config) RetentionTTL() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// ScratchDir 上传视频和音频的临时目录
func (c *Config) ScratchDir() string {
	return filepath.Join(c.DataDir, "scratch")
}

// PrintConfigInstructions 打印配置说明
func PrintConfigInstructions() {
	fmt.Println("\n=== Configuration ===")
	fmt.Println("Create config.json (or config.yaml), or set environment variables:")
	fmt.Println("1. api_key / API_KEY: OpenAI-compatible API key")
	fmt.Println("2. base_url / BASE_URL: API base URL (default: https://api.openai.com/v1)")
	fmt.Println("3. chat_model / CHAT_MODEL: chat model (default: gpt-4o-mini)")
	fmt.Println("4. llm_provider / LLM_PROVIDER: openai or gemini (GEMINI_API_KEY required for gemini)")
	fmt.Println("5. asr_provider / ASR_PROVIDER: openai, local or mock")
	fmt.Println("6. session_store / SESSION_STORE: memory, sqlite or postgres")
	fmt.Println("7. vector_store / VECTOR_STORE: memory, pgvector or milvus")
	fmt.Println("8. CONFIG_FILE: explicit config file path (json or yaml)")
	fmt.Println("\nExample:")
	fmt.Println(`{
  "api_key": "sk-...",
  "base_url": "https://api.openai.com/v1",
  "chat_model": "gpt-4o-mini",
  "session_store": "sqlite",
  "vector_store": "memory",
  "max_upload_mb": 100
}`)
	fmt.Println("=====================")
}

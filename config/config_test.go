package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultsMatchUploadLimits(t *testing.T) {
	cfg := Default()
	if cfg.MaxUploadMB != 100 {
		t.Fatalf("expected 100MB default, got %d", cfg.MaxUploadMB)
	}
	c := cfg.UploadConstraints()
	if c.MaxBytes != 100*1024*1024 {
		t.Fatalf("unexpected max bytes %d", c.MaxBytes)
	}
	want := []string{"mp4", "avi", "mov", "mkv", "webm", "flv"}
	if strings.Join(c.AllowedExtensions, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected extensions %v", c.AllowedExtensions)
	}
	if cfg.RetrievalTopK != 3 || cfg.MinRelevance != 0 {
		t.Fatalf("unexpected retrieval defaults: k=%d min=%v", cfg.RetrievalTopK, cfg.MinRelevance)
	}
}

func TestLoadFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"chat_model":"gpt-test","max_upload_mb":5,"session_store":"sqlite"}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChatModel != "gpt-test" || cfg.MaxUploadMB != 5 || cfg.SessionStore != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	// 未出现在文件中的字段保持默认值
	if cfg.RetrievalTopK != 3 {
		t.Fatalf("expected default top k, got %d", cfg.RetrievalTopK)
	}
}

func TestLoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "vector_store: milvus\nmin_relevance: 0.3\nallowed_extensions: [mp4, mov]\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.VectorStore != "milvus" || cfg.MinRelevance != 0.3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.AllowedExtensions) != 2 {
		t.Fatalf("unexpected extensions %v", cfg.AllowedExtensions)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"max_upload_mb":5,"chat_model":"from-file"}`)
	t.Setenv("MAX_VIDEO_SIZE_MB", "42")
	t.Setenv("CHAT_MODEL", "from-env")
	t.Setenv("ALLOWED_EXTENSIONS", "mp4, webm ,")
	t.Setenv("LLM_TIMEOUT_SECONDS", "7")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxUploadMB != 42 || cfg.ChatModel != "from-env" {
		t.Fatalf("env did not override: %+v", cfg)
	}
	if strings.Join(cfg.AllowedExtensions, ",") != "mp4,webm" {
		t.Fatalf("unexpected extensions %v", cfg.AllowedExtensions)
	}
	if cfg.LLMTimeout() != 7*time.Second {
		t.Fatalf("unexpected llm timeout %v", cfg.LLMTimeout())
	}
}

func TestLoadFileRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"max_upload_mb":`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg.SessionStore = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("postgres without url should fail")
	}
	cfg.PostgresURL = "postgres://u:p@localhost:5432/db"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.VectorStore = "faiss"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown vector store should fail")
	}
}

func TestValidatorReport(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "your-api-key-here"
	cfg.MinRelevance = 2

	report := NewConfigValidator().ValidateConfig(cfg)
	if report.Valid {
		t.Fatal("expected invalid report")
	}
	if r := report.Results["api_key"]; r == nil || r.Valid {
		t.Fatalf("placeholder api key should be rejected: %+v", r)
	}
	if r := report.Results["min_relevance"]; r == nil || r.Valid {
		t.Fatalf("out of range relevance should be rejected: %+v", r)
	}
	if _, ok := report.Results["postgres_url"]; ok {
		t.Fatal("postgres url should not be checked for the memory stores")
	}
	if report.OverallScore >= 100 {
		t.Fatalf("score should be penalised, got %.2f", report.OverallScore)
	}
	if !strings.Contains(report.GetFormattedReport(), "api_key") {
		t.Fatal("formatted report should list fields")
	}
}

func TestValidatorPassesCompleteConfig(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "sk-1234567890abcdef"

	report := NewConfigValidator().ValidateConfig(cfg)
	if !report.Valid {
		t.Fatalf("expected valid report:%s", report.GetFormattedReport())
	}
}

func TestValidatorAllowsMissingAPIKey(t *testing.T) {
	report := NewConfigValidator().ValidateConfig(Default())
	if !report.Valid {
		t.Fatalf("defaults without a key should start:%s", report.GetFormattedReport())
	}
	r := report.Results["api_key"]
	if r == nil || !r.Valid || len(r.Warnings) == 0 {
		t.Fatalf("missing api key should be a warning: %+v", r)
	}

	cfg := Default()
	cfg.LLMProvider = "gemini"
	report = NewConfigValidator().ValidateConfig(cfg)
	if r := report.Results["gemini_api_key"]; report.Valid || r == nil || r.Valid {
		t.Fatalf("gemini without a key should be rejected: %+v", r)
	}
}

func TestLoadFileRejectsUnknownStore(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"session_store":"sqlite"}`)
	t.Setenv("VECTOR_STORE", "pgvectr")

	_, err := LoadFile(path)
	if err == nil || !strings.Contains(err.Error(), `unknown vector_store "pgvectr"`) {
		t.Fatalf("expected unknown store error, got %v", err)
	}
}

func TestLoadConfigReadsConfigFileEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "meeting.yaml", "chat_model: gpt-yaml\nstructure_with_llm: false\n")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChatModel != "gpt-yaml" || cfg.StructureWithLLM {
		t.Fatalf("config file not applied: %+v", cfg)
	}

	t.Setenv("SESSION_STORE", "redis")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("unknown session store should fail to load")
	}
}

func TestDefaultStructuresWithLLM(t *testing.T) {
	if !Default().StructureWithLLM {
		t.Fatal("single-speaker transcripts should be structured by default")
	}
}

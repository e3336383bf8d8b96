package processors

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/sashabaranov/go-openai"

	"meetingIntel/config"
	"meetingIntel/core"
	"meetingIntel/utils"
)

// ASRProvider 语音转写，返回按时间排序的 utterance
type ASRProvider interface {
	Transcribe(ctx context.Context, audioPath string) ([]core.Utterance, error)
}

// NewASRProvider 按配置选择转写实现，未配置 API 时使用 MockASR
func NewASRProvider(cfg *config.Config) ASRProvider {
	switch cfg.ASRProvider {
	case "mock":
		return &MockASR{}
	case "local":
		return &LocalWhisperASR{
			Python:   getPython(),
			Script:   cfg.WhisperScript,
			Language: cfg.ASRLanguage,
		}
	default:
		if !cfg.HasValidAPI() {
			log.Println("Warning: API configuration not found for Whisper, using mock transcription")
			return &MockASR{}
		}
		return NewWhisperASR(cfg.APIKey, cfg.BaseURL, cfg.TranscriptionModel, cfg.ASRLanguage)
	}
}

// ========== Whisper API ==========

type WhisperASR struct {
	cli      *openai.Client
	model    string
	language string
}

func NewWhisperASR(apiKey, baseURL, model, language string) *WhisperASR {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperASR{cli: openai.NewClientWithConfig(cfg), model: model, language: language}
}

func (w *WhisperASR) Transcribe(ctx context.Context, audioPath string) ([]core.Utterance, error) {
	resp, err := w.cli.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: w.language,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	utterances := make([]core.Utterance, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		utterances = append(utterances, core.Utterance{
			Speaker: core.DefaultSpeakerLabel,
			Text:    strings.TrimSpace(seg.Text),
			Start:   core.Float(seg.Start),
			End:     core.Float(seg.End),
		})
	}
	// 部分兼容服务不返回分段
	if len(utterances) == 0 {
		if text := strings.TrimSpace(resp.Text); text != "" {
			utterances = append(utterances, core.Utterance{Speaker: core.DefaultSpeakerLabel, Text: text})
		}
	}
	return utterances, nil
}

// ========== 本地 Whisper ==========

//go:embed whisper_transcribe.py
var whisperScript []byte

// LocalWhisperASR 调用本地 python whisper 脚本，脚本输出 JSON 分段
type LocalWhisperASR struct {
	Python   string
	Script   string
	Language string
}

type localSegment struct {
	Start   *float64 `json:"start"`
	End     *float64 `json:"end"`
	Text    string   `json:"text"`
	Speaker string   `json:"speaker"`
}

func (l *LocalWhisperASR) Transcribe(ctx context.Context, audioPath string) ([]core.Utterance, error) {
	script, cleanup, err := l.scriptPath(filepath.Dir(audioPath))
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{script, audioPath}
	if l.Language != "" {
		args = append(args, "--language", l.Language)
	}
	output, err := utils.RunCommand(ctx, l.Python, args...)
	if err != nil {
		return nil, fmt.Errorf("local whisper transcription failed: %w", err)
	}
	return parseLocalSegments([]byte(output))
}

// scriptPath 配置的脚本不存在时，把内置脚本写到音频所在的临时目录
func (l *LocalWhisperASR) scriptPath(dir string) (string, func(), error) {
	if l.Script != "" {
		if _, err := os.Stat(l.Script); err == nil {
			return l.Script, func() {}, nil
		}
	}
	path := filepath.Join(dir, "whisper_transcribe.py")
	if err := os.WriteFile(path, whisperScript, 0644); err != nil {
		return "", nil, fmt.Errorf("failed to create whisper script: %w", err)
	}
	return path, func() { os.Remove(path) }, nil
}

func parseLocalSegments(output []byte) ([]core.Utterance, error) {
	var segments []localSegment
	if err := json.Unmarshal(output, &segments); err != nil {
		return nil, fmt.Errorf("failed to parse whisper output: %w", err)
	}
	utterances := make([]core.Utterance, 0, len(segments))
	for _, seg := range segments {
		speaker := seg.Speaker
		if speaker == "" {
			speaker = core.DefaultSpeakerLabel
		}
		utterances = append(utterances, core.Utterance{
			Speaker: speaker,
			Text:    seg.Text,
			Start:   seg.Start,
			End:     seg.End,
		})
	}
	return utterances, nil
}

func getPython() string {
	if p := os.Getenv("PYTHON"); p != "" {
		return p
	}
	return "python3"
}

// ========== Mock ==========

// MockASR 无 API 配置时使用；Utterances 为空时返回占位内容
type MockASR struct {
	Utterances []core.Utterance
}

func (m *MockASR) Transcribe(ctx context.Context, audioPath string) ([]core.Utterance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.Utterances) > 0 {
		t := &core.Transcript{Utterances: m.Utterances}
		return t.Clone().Utterances, nil
	}
	out := make([]core.Utterance, 0, 3)
	for i := 0; i < 3; i++ {
		start := float64(i * 15)
		out = append(out, core.Utterance{
			Speaker: fmt.Sprintf("SPEAKER_%02d", i%2),
			Text:    fmt.Sprintf("Mock transcript segment %d of %s", i+1, filepath.Base(audioPath)),
			Start:   core.Float(start),
			End:     core.Float(start + 15),
		})
	}
	return out, nil
}

package processors

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"meetingIntel/config"
	"meetingIntel/core"
	"meetingIntel/prompts"
	"meetingIntel/storage"
)

// fakeExtractor 写一个假的 wav 文件，记录看到的视频路径
type fakeExtractor struct {
	mu        sync.Mutex
	err       error
	noOutput  bool
	empty     bool
	calls     int
	lastVideo string
}

func (f *fakeExtractor) Extract(ctx context.Context, videoPath, audioPath string) error {
	f.mu.Lock()
	f.calls++
	f.lastVideo = videoPath
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.noOutput {
		return nil
	}
	if f.empty {
		return os.WriteFile(audioPath, nil, 0644)
	}
	return os.WriteFile(audioPath, []byte("RIFF0000WAVE"), 0644)
}

type fakeASR struct {
	utterances []core.Utterance
	err        error
	block      bool
}

func (f *fakeASR) Transcribe(ctx context.Context, audioPath string) ([]core.Utterance, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	t := &core.Transcript{Utterances: f.utterances}
	return t.Clone().Utterances, nil
}

// fakeGenerator 记录每次收到的 prompt
type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) (string, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.reply == nil {
		return "ok", nil
	}
	return f.reply(prompt)
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeGenerator) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

// echoContext 把 RAG prompt 中的上下文原样返回，便于断言检索结果
func echoContext(prompt string) (string, error) {
	start := strings.Index(prompt, "**CONTEXT FROM THE MEETING:**")
	end := strings.Index(prompt, "---")
	if start < 0 || end < start {
		return "", errors.New("no context in prompt")
	}
	return strings.TrimSpace(prompt[start+len("**CONTEXT FROM THE MEETING:**") : end]), nil
}

func meetingUtterances() []core.Utterance {
	return []core.Utterance{
		{Speaker: "A", Text: "We should ship the release on Friday.", Start: core.Float(0), End: core.Float(4)},
		{Speaker: "B", Text: "The budget review moves to next week.", Start: core.Float(4), End: core.Float(9)},
		{Speaker: "A", Text: "I will write the release notes tonight.", Start: core.Float(9), End: core.Float(12)},
	}
}

type harness struct {
	cfg       *config.Config
	store     storage.SessionStore
	vectors   storage.VectorStore
	extractor *fakeExtractor
	asr       *fakeASR
	llm       *fakeGenerator
	orch      *Orchestrator
	chat      *ChatEngine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.LLMTimeoutSec = 5

	h := &harness{
		cfg:       cfg,
		store:     storage.NewMemorySessionStore(),
		vectors:   storage.NewMemoryVectorStore(),
		extractor: &fakeExtractor{},
		asr:       &fakeASR{utterances: meetingUtterances()},
		llm:       &fakeGenerator{},
	}
	h.rebuild()
	return h
}

// rebuild 修改 cfg 后重新创建组件
func (h *harness) rebuild() {
	h.orch = NewOrchestrator(h.cfg, h.store, h.extractor, h.asr, h.llm, prompts.Default())
	h.chat = NewChatEngine(h.cfg, h.store, h.vectors, h.llm, prompts.Default())
}

func (h *harness) upload(name string, content []byte) core.UploadedFile {
	return core.UploadedFile{
		Filename:    name,
		ContentType: "video/mp4",
		Size:        int64(len(content)),
		Reader:      bytes.NewReader(content),
	}
}

// transcriptCount 统计存储中的全部转录
func (h *harness) transcriptCount(t *testing.T) int {
	t.Helper()
	ids, err := h.store.ListExpired(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return len(ids)
}

func assertScratchEmpty(t *testing.T, cfg *config.Config) {
	t.Helper()
	entries, err := os.ReadDir(cfg.ScratchDir())
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, filepath.Join(cfg.ScratchDir(), e.Name()))
		}
		t.Fatalf("scratch files left behind: %v", names)
	}
}

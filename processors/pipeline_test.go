package processors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"

	"meetingIntel/core"
	"meetingIntel/prompts"
)

func TestProcessVideoSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orch.ProcessVideo(ctx, h.upload("standup.mp4", []byte("fake video")), h.cfg.UploadConstraints())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.TranscriptID == "" || res.UtteranceCount != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Job.Status != core.JobStatusComplete || res.Job.FinishedAt == nil {
		t.Fatalf("job not complete: %+v", res.Job)
	}
	if len(res.Speakers) != 2 || res.Speakers[0].Label != "A" || res.Speakers[1].Label != "B" {
		t.Fatalf("unexpected speakers: %+v", res.Speakers)
	}

	got, err := h.store.Get(ctx, res.TranscriptID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Utterances) != 3 || len(got.SpeakerMapping) != 0 {
		t.Fatalf("unexpected stored transcript: %+v", got)
	}

	if _, err := os.Stat(h.extractor.lastVideo); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("uploaded video should be removed, stat err = %v", err)
	}
	assertScratchEmpty(t, h.cfg)
}

func TestProcessVideoValidationDoesNoWork(t *testing.T) {
	cases := []struct {
		name    string
		file    func(h *harness) core.UploadedFile
		tooBig  bool
		maxMB   int
		message string
	}{
		{
			name:    "extension",
			file:    func(h *harness) core.UploadedFile { return h.upload("notes.txt", []byte("x")) },
			message: "invalid file type",
		},
		{
			name:    "no file",
			file:    func(h *harness) core.UploadedFile { return core.UploadedFile{} },
			message: "no video file",
		},
		{
			name: "declared size",
			file: func(h *harness) core.UploadedFile {
				f := h.upload("big.mp4", []byte("x"))
				f.Size = 2 * 1024 * 1024
				return f
			},
			tooBig: true,
			maxMB:  1,
		},
		{
			name: "mime",
			file: func(h *harness) core.UploadedFile {
				f := h.upload("clip.mp4", []byte("x"))
				f.ContentType = "text/plain; charset=utf-8"
				return f
			},
			message: "unsupported content type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.cfg.AllowedMIME = []string{"video/mp4", "video/quicktime"}
			if tc.maxMB > 0 {
				h.cfg.MaxUploadMB = tc.maxMB
			}
			h.rebuild()

			res, err := h.orch.ProcessVideo(context.Background(), tc.file(h), h.cfg.UploadConstraints())
			if !core.IsKind(err, core.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if res != nil {
				t.Fatalf("no job should start on invalid input: %+v", res)
			}
			if tc.tooBig != errors.Is(err, core.ErrFileTooLarge) {
				t.Fatalf("too-large mismatch: %v", err)
			}
			if tc.tooBig && core.HTTPStatus(err) != http.StatusRequestEntityTooLarge {
				t.Fatalf("expected 413, got %d", core.HTTPStatus(err))
			}
			if tc.message != "" && !strings.Contains(core.PublicMessage(err), tc.message) {
				t.Fatalf("unexpected message %q", core.PublicMessage(err))
			}
			if h.extractor.calls != 0 {
				t.Fatal("extractor must not run")
			}
			if _, err := os.Stat(h.cfg.ScratchDir()); !errors.Is(err, os.ErrNotExist) {
				t.Fatal("no scratch dir should be created for invalid uploads")
			}
		})
	}
}

func TestProcessVideoBodyLargerThanDeclared(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxUploadMB = 1
	h.rebuild()

	body := bytes.Repeat([]byte("v"), 1024*1024+10)
	file := h.upload("lying.mp4", body)
	file.Size = 10

	_, err := h.orch.ProcessVideo(context.Background(), file, h.cfg.UploadConstraints())
	if !errors.Is(err, core.ErrFileTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
	if h.extractor.calls != 0 {
		t.Fatal("extractor must not run")
	}
	assertScratchEmpty(t, h.cfg)
}

func TestProcessVideoFailuresLeaveNoTrace(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness)
		kind  core.ErrorKind
		stage core.JobStatus
	}{
		{
			name:  "extractor exits non-zero",
			setup: func(h *harness) { h.extractor.err = errors.New("exit status 1") },
			kind:  core.KindExtraction,
			stage: core.JobStatusExtractingAudio,
		},
		{
			name:  "extractor produces nothing",
			setup: func(h *harness) { h.extractor.noOutput = true },
			kind:  core.KindExtraction,
			stage: core.JobStatusExtractingAudio,
		},
		{
			name:  "extractor writes an empty file",
			setup: func(h *harness) { h.extractor.empty = true },
			kind:  core.KindExtraction,
			stage: core.JobStatusExtractingAudio,
		},
		{
			name:  "provider error",
			setup: func(h *harness) { h.asr.err = errors.New("401 invalid api key sk-secret") },
			kind:  core.KindTranscription,
			stage: core.JobStatusTranscribing,
		},
		{
			name:  "empty transcription",
			setup: func(h *harness) { h.asr.utterances = []core.Utterance{{Speaker: "A", Text: "   "}} },
			kind:  core.KindTranscription,
			stage: core.JobStatusTranscribing,
		},
		{
			name: "structuring fails",
			setup: func(h *harness) {
				h.cfg.StructureWithLLM = true
				h.asr.utterances = []core.Utterance{{Text: "hello"}, {Text: "hi"}}
				h.llm.reply = func(string) (string, error) { return "", errors.New("rate limited") }
				h.rebuild()
			},
			kind:  core.KindSummarization,
			stage: core.JobStatusStructuring,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)

			res, err := h.orch.ProcessVideo(context.Background(), h.upload("meeting.mov", []byte("video")), h.cfg.UploadConstraints())
			if !core.IsKind(err, tc.kind) {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
			if res == nil || res.Job.Status != core.JobStatusFailed || res.Job.FailedStage != tc.stage {
				t.Fatalf("unexpected job: %+v", res)
			}
			if res.Job.ErrorKind != tc.kind {
				t.Fatalf("job should carry the error kind, got %s", res.Job.ErrorKind)
			}
			if strings.Contains(core.PublicMessage(err), "sk-secret") || strings.Contains(core.PublicMessage(err), h.cfg.DataDir) {
				t.Fatalf("public message leaks details: %q", core.PublicMessage(err))
			}
			if n := h.transcriptCount(t); n != 0 {
				t.Fatalf("no transcript should be stored, found %d", n)
			}
			assertScratchEmpty(t, h.cfg)
		})
	}
}

func TestProcessVideoTimeoutKeepsStageKind(t *testing.T) {
	h := newHarness(t)
	h.asr.block = true
	h.cfg.TranscribeTimeoutSec = 1
	h.rebuild()

	_, err := h.orch.ProcessVideo(context.Background(), h.upload("slow.mp4", []byte("video")), h.cfg.UploadConstraints())
	if !core.IsKind(err, core.KindTranscription) {
		t.Fatalf("expected transcription error, got %v", err)
	}
	if !strings.Contains(core.PublicMessage(err), "timed out") {
		t.Fatalf("expected timeout message, got %q", core.PublicMessage(err))
	}
	assertScratchEmpty(t, h.cfg)
}

func TestProcessVideoSurvivesClientDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.orch.ProcessVideo(ctx, h.upload("gone.mp4", []byte("video")), h.cfg.UploadConstraints())
	if err != nil {
		t.Fatalf("stages should not be cancelled by the request: %v", err)
	}
	if _, err := h.store.Get(context.Background(), res.TranscriptID); err != nil {
		t.Fatalf("transcript missing: %v", err)
	}
	assertScratchEmpty(t, h.cfg)
}

func TestProcessVideoStructuresSingleSpeaker(t *testing.T) {
	h := newHarness(t)
	h.asr.utterances = []core.Utterance{
		{Speaker: "SPEAKER_00", Text: "Hi Bob, ready?"},
		{Speaker: "SPEAKER_00", Text: "Yes, let's start."},
		{Speaker: "SPEAKER_00", Text: "Great."},
	}
	h.llm.reply = func(prompt string) (string, error) {
		if !strings.Contains(prompt, "1|Yes, let's start.") {
			return "", fmt.Errorf("unexpected prompt: %s", prompt)
		}
		return "0|SPEAKER_00\n1|SPEAKER_01\n2|SPEAKER_00", nil
	}
	h.rebuild()

	res, err := h.orch.ProcessVideo(context.Background(), h.upload("call.webm", []byte("video")), h.cfg.UploadConstraints())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := h.store.Get(context.Background(), res.TranscriptID)
	labels := []string{got.Utterances[0].Speaker, got.Utterances[1].Speaker, got.Utterances[2].Speaker}
	if strings.Join(labels, ",") != "SPEAKER_00,SPEAKER_01,SPEAKER_00" {
		t.Fatalf("unexpected labels: %v", labels)
	}
	if len(res.Speakers) != 2 {
		t.Fatalf("expected two speakers, got %+v", res.Speakers)
	}
}

func TestProcessVideoSkipsStructuringWithoutLLM(t *testing.T) {
	h := newHarness(t)
	h.asr.utterances = []core.Utterance{
		{Speaker: "SPEAKER_00", Text: "Hi Bob, ready?"},
		{Speaker: "SPEAKER_00", Text: "Yes, let's start."},
	}
	orch := NewOrchestrator(h.cfg, h.store, h.extractor, h.asr, unconfiguredGenerator{}, prompts.Default())

	res, err := orch.ProcessVideo(context.Background(), h.upload("call.mp4", []byte("video")), h.cfg.UploadConstraints())
	if err != nil {
		t.Fatalf("process without an LLM should succeed: %v", err)
	}
	if len(res.Speakers) != 1 || res.Speakers[0].Label != "SPEAKER_00" {
		t.Fatalf("unexpected speakers: %+v", res.Speakers)
	}

	h.cfg.StructureWithLLM = false
	h.rebuild()
	if _, err := h.orch.ProcessVideo(context.Background(), h.upload("call.mp4", []byte("video")), h.cfg.UploadConstraints()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if h.llm.calls() != 0 {
		t.Fatalf("structuring disabled, expected no LLM calls, got %d", h.llm.calls())
	}
}

func TestAssignSpeakerNamesIncomplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, _ := h.store.Create(ctx, &core.Transcript{Utterances: meetingUtterances()})

	_, err := h.orch.AssignSpeakerNames(ctx, id, map[string]string{"A": "Alice", "B": "  "})
	if !core.IsKind(err, core.KindIncompleteMapping) {
		t.Fatalf("expected incomplete mapping, got %v", err)
	}
	if !strings.Contains(core.PublicMessage(err), "B") {
		t.Fatalf("message should name the missing label: %q", core.PublicMessage(err))
	}
	got, _ := h.store.Get(ctx, id)
	if len(got.SpeakerMapping) != 0 {
		t.Fatalf("mapping must not change: %v", got.SpeakerMapping)
	}

	if _, err := h.orch.AssignSpeakerNames(ctx, "missing", map[string]string{"A": "Alice"}); !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAssignSpeakerNamesIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, _ := h.store.Create(ctx, &core.Transcript{Utterances: meetingUtterances()})
	mapping := map[string]string{"A": " Alice ", "B": "Bob", "C": "Nobody"}

	first, err := h.orch.AssignSpeakerNames(ctx, id, mapping)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	second, err := h.orch.AssignSpeakerNames(ctx, id, mapping)
	if err != nil {
		t.Fatalf("assign again: %v", err)
	}
	if first.DisplayName("A") != "Alice" || len(first.SpeakerMapping) != 2 {
		t.Fatalf("unexpected mapping: %v", first.SpeakerMapping)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) || second.SpeakerMapping["B"] != "Bob" {
		t.Fatalf("second identical assignment should not change the transcript: %+v vs %+v", first, second)
	}
}

func TestAssignSpeakerNamesConcurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, _ := h.store.Create(ctx, &core.Transcript{Utterances: meetingUtterances()})

	m1 := map[string]string{"A": "Alice", "B": "Bob"}
	m2 := map[string]string{"A": "Ann", "B": "Ben"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := m1
			if i%2 == 1 {
				m = m2
			}
			if _, err := h.orch.AssignSpeakerNames(ctx, id, m); err != nil {
				t.Errorf("assign: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := h.store.Get(ctx, id)
	a, b := got.SpeakerMapping["A"], got.SpeakerMapping["B"]
	if !(a == "Alice" && b == "Bob") && !(a == "Ann" && b == "Ben") {
		t.Fatalf("interleaved mapping: %v", got.SpeakerMapping)
	}
}

func TestGenerateSummaryUsesDisplayNames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, _ := h.store.Create(ctx, &core.Transcript{Utterances: meetingUtterances()})
	if _, err := h.orch.AssignSpeakerNames(ctx, id, map[string]string{"A": "Alice", "B": "Bob"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	h.llm.reply = func(string) (string, error) {
		return "# Meeting Summary\n\n## Participants\n- Alice\n- Bob", nil
	}

	summary, err := h.orch.GenerateSummary(ctx, SummaryRequest{TranscriptID: id})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !strings.Contains(summary, "Alice") || !strings.Contains(summary, "Bob") {
		t.Fatalf("unexpected summary: %s", summary)
	}
	prompt := h.llm.lastPrompt()
	if !strings.Contains(prompt, "[00:00] **Alice:** We should ship") || !strings.Contains(prompt, "**Bob:**") {
		t.Fatalf("prompt should use display names: %s", prompt)
	}
	for _, section := range []string{"Executive Summary", "Key Decisions", "Action Items", "Participants"} {
		if !strings.Contains(prompt, section) {
			t.Fatalf("prompt missing section %q", section)
		}
	}
}

func TestGenerateSummaryFromText(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.GenerateSummary(context.Background(), SummaryRequest{
		TranscriptText: "SPEAKER_1: hello\nSPEAKER_10: hi",
		SpeakerMapping: map[string]string{"SPEAKER_1": "Alice", "SPEAKER_10": "Bob"},
	})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if p := h.llm.lastPrompt(); !strings.Contains(p, "Alice: hello\nBob: hi") {
		t.Fatalf("labels not substituted: %s", p)
	}
}

func TestGenerateSummaryErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.GenerateSummary(ctx, SummaryRequest{}); !core.IsKind(err, core.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.orch.GenerateSummary(ctx, SummaryRequest{TranscriptID: "missing"}); !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	h.llm.reply = func(string) (string, error) { return "", errors.New("503") }
	if _, err := h.orch.GenerateSummary(ctx, SummaryRequest{TranscriptText: "A: hi"}); !core.IsKind(err, core.KindSummarization) {
		t.Fatalf("expected summarization error, got %v", err)
	}
	h.llm.reply = func(string) (string, error) { return "  ", nil }
	if _, err := h.orch.GenerateSummary(ctx, SummaryRequest{TranscriptText: "A: hi"}); !core.IsKind(err, core.KindSummarization) {
		t.Fatalf("empty output should fail, got %v", err)
	}
}

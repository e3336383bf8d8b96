package processors

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meetingIntel/config"
	"meetingIntel/core"
	"meetingIntel/prompts"
	"meetingIntel/storage"
	"meetingIntel/utils"
)

// Orchestrator 把一次上传同步地转换为一份持久化的转录
type Orchestrator struct {
	store     storage.SessionStore
	extractor MediaExtractor
	asr       ASRProvider
	llm       Generator
	prompts   *prompts.Library

	scratchDir        string
	extractTimeout    time.Duration
	transcribeTimeout time.Duration
	llmTimeout        time.Duration
	structureWithLLM  bool

	logger *log.Logger
}

// ProcessResult 处理结果。失败时只有 Job 有值，记录失败阶段和错误分类
type ProcessResult struct {
	TranscriptID   string                `json:"transcript_id"`
	Speakers       []core.SpeakerPreview `json:"speakers"`
	UtteranceCount int                   `json:"utterance_count"`
	Job            *core.UploadJob       `json:"job"`
}

// SummaryRequest 按转录 id 或直接提交的文本生成摘要
type SummaryRequest struct {
	TranscriptID   string            `json:"transcript_id"`
	TranscriptText string            `json:"transcript_text"`
	SpeakerMapping map[string]string `json:"speaker_mapping"`
}

func NewOrchestrator(cfg *config.Config, store storage.SessionStore, extractor MediaExtractor, asr ASRProvider, llm Generator, lib *prompts.Library) *Orchestrator {
	return &Orchestrator{
		store:             store,
		extractor:         extractor,
		asr:               asr,
		llm:               llm,
		prompts:           lib,
		scratchDir:        cfg.ScratchDir(),
		extractTimeout:    cfg.ExtractTimeout(),
		transcribeTimeout: cfg.TranscribeTimeout(),
		llmTimeout:        cfg.LLMTimeout(),
		structureWithLLM:  cfg.StructureWithLLM && configured(llm),
		logger:            log.New(os.Stdout, "[ORCH] ", log.LstdFlags),
	}
}

// ProcessVideo 校验 → 保存 → 抽取音频 → 转写 → 结构化 → 持久化。
// 任一阶段失败都不会留下转录，临时文件在所有路径上都会删除
func (o *Orchestrator) ProcessVideo(ctx context.Context, file core.UploadedFile, constraints core.UploadConstraints) (*ProcessResult, error) {
	if err := ValidateUpload(file, constraints); err != nil {
		return nil, err
	}

	job := core.NewUploadJob(utils.NewID())
	o.logger.Printf("[%s] Processing upload %q (%s)", job.ID, file.Filename, utils.FormatBytes(file.Size))

	result, err := o.run(ctx, job, file, constraints)
	if err != nil {
		job.Fail(err)
		o.logger.Printf("[%s] Failed at stage %s: %v", job.ID, job.FailedStage, err)
		return &ProcessResult{Job: job}, err
	}
	o.logger.Printf("[%s] Completed in %s: transcript %s, %d utterances, %d speakers",
		job.ID, time.Since(job.StartedAt).Round(time.Millisecond), result.TranscriptID, result.UtteranceCount, len(result.Speakers))
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, job *core.UploadJob, file core.UploadedFile, constraints core.UploadConstraints) (*ProcessResult, error) {
	if err := os.MkdirAll(o.scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	jobDir, err := os.MkdirTemp(o.scratchDir, "job-")
	if err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			o.logger.Printf("[%s] Warning: failed to clean up scratch files: %v", job.ID, err)
		}
	}()

	job.SourceFile = filepath.Join(jobDir, "source"+strings.ToLower(filepath.Ext(file.Filename)))
	if err := saveUpload(file.Reader, job.SourceFile, constraints.MaxBytes); err != nil {
		return nil, err
	}

	o.logger.Printf("[%s] Step 1/3: extracting audio", job.ID)
	if err := job.Advance(core.JobStatusExtractingAudio); err != nil {
		return nil, err
	}
	audioPath := filepath.Join(jobDir, "audio.wav")
	if err := o.extractAudio(ctx, job.SourceFile, audioPath); err != nil {
		return nil, err
	}

	o.logger.Printf("[%s] Step 2/3: transcribing", job.ID)
	if err := job.Advance(core.JobStatusTranscribing); err != nil {
		return nil, err
	}
	utterances, err := o.transcribe(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	o.logger.Printf("[%s] Step 3/3: structuring %d utterances", job.ID, len(utterances))
	if err := job.Advance(core.JobStatusStructuring); err != nil {
		return nil, err
	}
	utterances, err = o.structure(ctx, utterances)
	if err != nil {
		return nil, err
	}
	speakers := DeriveSpeakers(utterances)

	id, err := o.store.Create(context.WithoutCancel(ctx), &core.Transcript{Utterances: utterances})
	if err != nil {
		return nil, fmt.Errorf("persist transcript: %w", err)
	}
	if err := job.Advance(core.JobStatusComplete); err != nil {
		return nil, err
	}

	return &ProcessResult{
		TranscriptID:   id,
		Speakers:       speakers,
		UtteranceCount: len(utterances),
		Job:            job,
	}, nil
}

func (o *Orchestrator) extractAudio(ctx context.Context, videoPath, audioPath string) error {
	sctx, cancel := stageContext(ctx, o.extractTimeout)
	defer cancel()

	err := o.extractor.Extract(sctx, videoPath, audioPath)
	if err == nil {
		err = checkAudioOutput(audioPath)
	}
	if err != nil {
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return core.NewError(core.KindExtraction, "audio extraction timed out", err)
		}
		return core.NewError(core.KindExtraction, "failed to extract audio from video", err)
	}
	return nil
}

func (o *Orchestrator) transcribe(ctx context.Context, audioPath string) ([]core.Utterance, error) {
	sctx, cancel := stageContext(ctx, o.transcribeTimeout)
	defer cancel()

	raw, err := o.asr.Transcribe(sctx, audioPath)
	if err != nil {
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return nil, core.NewError(core.KindTranscription, "transcription timed out", err)
		}
		return nil, core.NewError(core.KindTranscription, "transcription failed", err)
	}
	utterances := NormalizeUtterances(raw)
	if len(utterances) == 0 {
		return nil, core.NewError(core.KindTranscription, "no speech was detected in the video", nil)
	}
	return utterances, nil
}

// structure 转写只给出一个说话人时，可选地让模型按上下文重新划分说话人
func (o *Orchestrator) structure(ctx context.Context, utterances []core.Utterance) ([]core.Utterance, error) {
	if !o.structureWithLLM || len(utterances) < 2 {
		return utterances, nil
	}
	if labels := (&core.Transcript{Utterances: utterances}).Labels(); len(labels) > 1 {
		return utterances, nil
	}

	prompt, err := o.prompts.Render(prompts.Structuring, prompts.Data{Transcript: numberedLines(utterances)})
	if err != nil {
		return nil, err
	}
	out, err := generate(ctx, o.llm, o.llmTimeout, o.prompts.Text(prompts.System), prompt, "speaker structuring")
	if err != nil {
		return nil, err
	}
	labels, err := parseRelabelling(out, len(utterances))
	if err != nil {
		return nil, core.NewError(core.KindSummarization, "speaker structuring returned an unusable result", err)
	}

	structured := make([]core.Utterance, len(utterances))
	for i, u := range utterances {
		u.Speaker = labels[i]
		structured[i] = u
	}
	return structured, nil
}

var errMappingUnchanged = errors.New("speaker mapping unchanged")

// AssignSpeakerNames 整体替换说话人映射，必须覆盖转录中出现的全部标签
func (o *Orchestrator) AssignSpeakerNames(ctx context.Context, id string, mapping map[string]string) (*core.Transcript, error) {
	clean := make(map[string]string, len(mapping))
	for label, name := range mapping {
		label, name = strings.TrimSpace(label), strings.TrimSpace(name)
		if label != "" && name != "" {
			clean[label] = name
		}
	}

	updated, err := o.store.Update(ctx, id, func(t *core.Transcript) error {
		if missing := missingLabels(t, clean); len(missing) > 0 {
			return core.NewError(core.KindIncompleteMapping,
				fmt.Sprintf("missing names for speaker(s): %s", strings.Join(missing, ", ")), nil)
		}
		next := make(map[string]string, len(clean))
		for _, label := range t.Labels() {
			next[label] = clean[label]
		}
		if maps.Equal(next, t.SpeakerMapping) {
			return errMappingUnchanged
		}
		t.SpeakerMapping = next
		return nil
	})
	if errors.Is(err, errMappingUnchanged) {
		return o.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	o.logger.Printf("Assigned %d speaker name(s) to transcript %s", len(updated.SpeakerMapping), id)
	return updated, nil
}

// GenerateSummary 渲染带显示名的转录并调用模型生成 markdown 摘要
func (o *Orchestrator) GenerateSummary(ctx context.Context, req SummaryRequest) (string, error) {
	var text string
	switch {
	case strings.TrimSpace(req.TranscriptID) != "":
		t, err := o.store.Get(ctx, req.TranscriptID)
		if err != nil {
			return "", err
		}
		for label, name := range req.SpeakerMapping {
			if strings.TrimSpace(name) != "" {
				t.SpeakerMapping[label] = strings.TrimSpace(name)
			}
		}
		text = RenderTranscript(t)
	case strings.TrimSpace(req.TranscriptText) != "":
		text = SubstituteSpeakers(strings.TrimSpace(req.TranscriptText), req.SpeakerMapping)
	default:
		return "", core.NewError(core.KindValidation, "transcript_id or transcript_text is required", nil)
	}

	prompt, err := o.prompts.Render(prompts.Summary, prompts.Data{Transcript: text})
	if err != nil {
		return "", err
	}
	start := time.Now()
	summary, err := generate(ctx, o.llm, o.llmTimeout, o.prompts.Text(prompts.System), prompt, "summary generation")
	if err != nil {
		return "", err
	}
	o.logger.Printf("Generated summary (%d chars) in %s", len(summary), time.Since(start).Round(time.Millisecond))
	return summary, nil
}

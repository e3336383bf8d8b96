package server

import (
	"github.com/labstack/echo/v4"

	"meetingIntel/config"
	"meetingIntel/core"
	"meetingIntel/processors"
	"meetingIntel/storage"
)

// TranscriptHandlers 上传、命名、摘要和问答接口
type TranscriptHandlers struct {
	cfg      *config.Config
	orch     *processors.Orchestrator
	chat     *processors.ChatEngine
	sessions storage.SessionStore
	vectors  storage.VectorStore
}

func NewTranscriptHandlers(cfg *config.Config, deps Deps) *TranscriptHandlers {
	return &TranscriptHandlers{
		cfg:      cfg,
		orch:     deps.Orchestrator,
		chat:     deps.Chat,
		sessions: deps.Sessions,
		vectors:  deps.Vectors,
	}
}

type speakersRequest struct {
	TranscriptID   string            `json:"transcript_id"`
	SpeakerMapping map[string]string `json:"speaker_mapping"`
}

type chatRequest struct {
	TranscriptID string `json:"transcript_id"`
	Query        string `json:"query"`
}

// ProcessVideoHandler 同步处理一个上传的视频，表单字段 video
func (h *TranscriptHandlers) ProcessVideoHandler(c echo.Context) error {
	fh, err := c.FormFile("video")
	if err != nil {
		if isBodyTooLarge(err) {
			return uploadTooLarge(h.cfg.UploadConstraints().MaxBytes + multipartOverhead)
		}
		return core.NewError(core.KindValidation, "no video file provided", err)
	}
	src, err := fh.Open()
	if err != nil {
		return core.NewError(core.KindValidation, "cannot read uploaded file", err)
	}
	defer src.Close()

	file := core.UploadedFile{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Reader:      src,
	}
	res, err := h.orch.ProcessVideo(c.Request().Context(), file, h.cfg.UploadConstraints())
	if err != nil {
		return err
	}
	return respond(c, map[string]interface{}{
		"transcript_id":   res.TranscriptID,
		"speakers":        res.Speakers,
		"utterance_count": res.UtteranceCount,
		"status":          res.Job.Status,
	})
}

// AssignSpeakersHandler 提交说话人命名
func (h *TranscriptHandlers) AssignSpeakersHandler(c echo.Context) error {
	var req speakersRequest
	if err := c.Bind(&req); err != nil {
		return core.NewError(core.KindValidation, "invalid JSON body", err)
	}
	if req.TranscriptID == "" {
		return core.NewError(core.KindValidation, "transcript_id is required", nil)
	}
	t, err := h.orch.AssignSpeakerNames(c.Request().Context(), req.TranscriptID, req.SpeakerMapping)
	if err != nil {
		return err
	}
	return respond(c, map[string]interface{}{"transcript": t})
}

// GenerateSummaryHandler 按 transcript_id 或 transcript_text 生成摘要
func (h *TranscriptHandlers) GenerateSummaryHandler(c echo.Context) error {
	var req processors.SummaryRequest
	if err := c.Bind(&req); err != nil {
		return core.NewError(core.KindValidation, "invalid JSON body", err)
	}
	summary, err := h.orch.GenerateSummary(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return respond(c, map[string]interface{}{"summary_markdown": summary})
}

// ChatHandler 针对一份转录提问
func (h *TranscriptHandlers) ChatHandler(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return core.NewError(core.KindValidation, "invalid JSON body", err)
	}
	if req.TranscriptID == "" {
		return core.NewError(core.KindValidation, "transcript_id is required", nil)
	}
	ans, err := h.chat.Answer(c.Request().Context(), req.TranscriptID, req.Query)
	if err != nil {
		return err
	}
	return respond(c, map[string]interface{}{
		"transcript_id": ans.TranscriptID,
		"answer":        ans.Answer,
		"sources":       ans.Sources,
		"fallback":      ans.Fallback,
	})
}

func (h *TranscriptHandlers) GetTranscriptHandler(c echo.Context) error {
	t, err := h.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, map[string]interface{}{
		"transcript":      t,
		"transcript_text": processors.RenderTranscript(t),
		"speakers":        processors.DeriveSpeakers(t.Utterances),
	})
}

func (h *TranscriptHandlers) ChatHistoryHandler(c echo.Context) error {
	sess, err := h.sessions.ChatSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, map[string]interface{}{"history": sess.History})
}

// DeleteTranscriptHandler 删除转录、聊天记录和检索索引
func (h *TranscriptHandlers) DeleteTranscriptHandler(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := h.sessions.Delete(ctx, id); err != nil {
		return err
	}
	if h.vectors != nil {
		if err := h.vectors.Drop(ctx, id); err != nil {
			c.Logger().Warnf("drop index %s: %v", id, err)
		}
	}
	return respond(c, map[string]interface{}{"transcript_id": id})
}

package core

import (
	"io"
	"time"
)

// ========== 转录数据结构 ==========

// DefaultSpeakerLabel 提供方未返回说话人标签时使用的默认标签
const DefaultSpeakerLabel = "SPEAKER_00"

// Utterance 单个说话人轮次，时间戳可选
type Utterance struct {
	Speaker string   `json:"speaker"`
	Text    string   `json:"text"`
	Start   *float64 `json:"start,omitempty"`
	End     *float64 `json:"end,omitempty"`
}

// Transcript 一次视频处理产出的持久化转录记录
type Transcript struct {
	ID             string            `json:"id"`
	Utterances     []Utterance       `json:"utterances"`
	SpeakerMapping map[string]string `json:"speaker_mapping"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// SpeakerPreview 供前端命名说话人使用的标签和示例片段
type SpeakerPreview struct {
	Label   string `json:"label"`
	Snippet string `json:"snippet"`
}

// ChatTurn 一轮问答
type ChatTurn struct {
	Query     string    `json:"query"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSession 与转录一一对应的聊天记录，只追加
type ChatSession struct {
	TranscriptID string     `json:"transcript_id"`
	History      []ChatTurn `json:"history"`
}

// ========== 上传相关 ==========

// UploadedFile 上传的视频文件，Reader 只在请求期间有效
type UploadedFile struct {
	Filename    string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// UploadConstraints 上传校验约束，来自配置
type UploadConstraints struct {
	MaxBytes          int64
	AllowedExtensions []string
	AllowedMIME       []string
}

// ========== 检索相关 ==========

// Document 检索索引中的一条记录，对应一个 utterance
type Document struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Hit 检索命中
type Hit struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`
}

// ========== 方法 ==========

// DisplayName 返回标签对应的显示名，未命名时退回原始标签
func (t *Transcript) DisplayName(label string) string {
	if t == nil || t.SpeakerMapping == nil {
		return label
	}
	if name, ok := t.SpeakerMapping[label]; ok && name != "" {
		return name
	}
	return label
}

// Labels 按首次出现顺序返回所有不同的说话人标签
func (t *Transcript) Labels() []string {
	seen := make(map[string]struct{})
	labels := make([]string, 0)
	for _, u := range t.Utterances {
		if _, ok := seen[u.Speaker]; ok {
			continue
		}
		seen[u.Speaker] = struct{}{}
		labels = append(labels, u.Speaker)
	}
	return labels
}

// Clone 深拷贝，存储层返回给调用方的都是副本
func (t *Transcript) Clone() *Transcript {
	if t == nil {
		return nil
	}
	out := &Transcript{
		ID:        t.ID,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	out.Utterances = make([]Utterance, len(t.Utterances))
	for i, u := range t.Utterances {
		out.Utterances[i] = Utterance{
			Speaker: u.Speaker,
			Text:    u.Text,
			Start:   copyFloat(u.Start),
			End:     copyFloat(u.End),
		}
	}
	out.SpeakerMapping = make(map[string]string, len(t.SpeakerMapping))
	for k, v := range t.SpeakerMapping {
		out.SpeakerMapping[k] = v
	}
	return out
}

// Clone 深拷贝聊天记录
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	out := &ChatSession{TranscriptID: s.TranscriptID}
	out.History = append(make([]ChatTurn, 0, len(s.History)), s.History...)
	return out
}

// LastTurns 返回最近 n 轮，n<=0 时返回空
func (s *ChatSession) LastTurns(n int) []ChatTurn {
	if s == nil || n <= 0 || len(s.History) == 0 {
		return nil
	}
	if n > len(s.History) {
		n = len(s.History)
	}
	return s.History[len(s.History)-n:]
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float 返回指向 v 的指针，便于构造可选时间戳
func Float(v float64) *float64 { return &v }

package processors

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"meetingIntel/config"
	"meetingIntel/core"
	"meetingIntel/prompts"
	"meetingIntel/storage"
)

// ChatEngine 基于单份转录的检索增强问答
type ChatEngine struct {
	store   storage.SessionStore
	vectors storage.VectorStore
	llm     Generator
	prompts *prompts.Library

	topK          int
	minRelevance  float64
	historyWindow int
	llmTimeout    time.Duration

	logger *log.Logger
}

// ChatAnswer 一次问答的结果
type ChatAnswer struct {
	TranscriptID string     `json:"transcript_id"`
	Answer       string     `json:"answer"`
	Sources      []core.Hit `json:"sources"`
	Fallback     bool       `json:"fallback"`
}

func NewChatEngine(cfg *config.Config, store storage.SessionStore, vectors storage.VectorStore, llm Generator, lib *prompts.Library) *ChatEngine {
	topK := cfg.RetrievalTopK
	if topK <= 0 {
		topK = 3
	}
	return &ChatEngine{
		store:         store,
		vectors:       vectors,
		llm:           llm,
		prompts:       lib,
		topK:          topK,
		minRelevance:  cfg.MinRelevance,
		historyWindow: cfg.HistoryWindow,
		llmTimeout:    cfg.LLMTimeout(),
		logger:        log.New(os.Stdout, "[CHAT] ", log.LstdFlags),
	}
}

// Answer 检索最相关的片段并交给模型回答；成功后追加到聊天记录
func (e *ChatEngine) Answer(ctx context.Context, id, query string) (*ChatAnswer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, core.NewError(core.KindEmptyQuery, "query must not be empty", nil)
	}

	t, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	hits, err := e.retrieve(ctx, t, query)
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}

	answer := &ChatAnswer{TranscriptID: id, Sources: hits}
	if len(hits) == 0 {
		// 没有相关内容时直接返回固定回复，不调用模型
		answer.Answer = e.prompts.Text(prompts.Fallback)
		answer.Fallback = true
	} else {
		sess, err := e.store.ChatSession(ctx, id)
		if err != nil {
			return nil, err
		}
		prompt, err := e.prompts.Render(prompts.RAG, prompts.Data{
			Context: formatContext(hits),
			Query:   query,
			History: formatHistory(sess.LastTurns(e.historyWindow)),
		})
		if err != nil {
			return nil, err
		}
		text, err := generate(ctx, e.llm, e.llmTimeout, e.prompts.Text(prompts.System), prompt, "answer generation")
		if err != nil {
			return nil, err
		}
		answer.Answer = text
	}

	if _, err := e.store.AppendChatTurn(ctx, id, core.ChatTurn{Query: query, Answer: answer.Answer}); err != nil {
		return nil, err
	}
	e.logger.Printf("Answered query on %s using %d section(s) (fallback=%v)", id, len(hits), answer.Fallback)
	return answer, nil
}

// retrieve 索引版本与当前文档不一致时先重建，再取 top-K
func (e *ChatEngine) retrieve(ctx context.Context, t *core.Transcript, query string) ([]core.Hit, error) {
	docs := BuildDocuments(t)
	if len(docs) == 0 {
		return nil, nil
	}
	version := documentsVersion(docs)

	current, ok, err := e.vectors.Version(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if !ok || current != version {
		if err := e.vectors.Upsert(ctx, t.ID, version, docs); err != nil {
			return nil, err
		}
		e.logger.Printf("Indexed %d utterance(s) for %s (version %s)", len(docs), t.ID, version)
	}

	hits, err := e.vectors.Search(ctx, t.ID, query, e.topK)
	if err != nil {
		return nil, err
	}
	relevant := hits[:0]
	for _, h := range hits {
		if h.Score > e.minRelevance {
			relevant = append(relevant, h)
		}
	}
	storage.SortHits(relevant)
	return relevant, nil
}

func formatContext(hits []core.Hit) string {
	parts := make([]string, 0, len(hits))
	for i, h := range hits {
		parts = append(parts, fmt.Sprintf("[Relevant Section %d] (Relevance: %.2f)\n%s", i+1, h.Score, h.Text))
	}
	return strings.Join(parts, "\n\n")
}

func formatHistory(turns []core.ChatTurn) string {
	parts := make([]string, 0, len(turns))
	for _, turn := range turns {
		parts = append(parts, fmt.Sprintf("Q: %s\nA: %s", turn.Query, turn.Answer))
	}
	return strings.Join(parts, "\n\n")
}

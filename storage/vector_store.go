package storage

import (
	"context"
	"fmt"
	"log"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"meetingIntel/config"
	"meetingIntel/core"
)

// VectorStore 每个转录一份检索索引。version 标识索引对应的文档内容，内容变化后需要重建
type VectorStore interface {
	Version(ctx context.Context, transcriptID string) (string, bool, error)
	Upsert(ctx context.Context, transcriptID, version string, docs []core.Document) error
	Search(ctx context.Context, transcriptID, query string, topK int) ([]core.Hit, error)
	Drop(ctx context.Context, transcriptID string) error
	Close() error
}

// NewVectorStore 按配置选择向量存储，外部存储初始化失败时退回内存实现
func NewVectorStore(ctx context.Context, cfg *config.Config, embedder Embedder) VectorStore {
	switch cfg.VectorStore {
	case "pgvector":
		if embedder == nil {
			log.Printf("Warning: pgvector store requires an embedder, falling back to memory store")
			break
		}
		s, err := NewPgVectorStore(ctx, cfg.PostgresURL, embedder)
		if err != nil {
			log.Printf("Warning: failed to initialize pgvector store (%v), falling back to memory store", err)
			break
		}
		return s
	case "milvus":
		if embedder == nil {
			log.Printf("Warning: milvus store requires an embedder, falling back to memory store")
			break
		}
		s, err := NewMilvusVectorStore(ctx, MilvusOptions{
			Address:    cfg.MilvusAddr,
			Username:   cfg.MilvusUsername,
			Password:   cfg.MilvusPassword,
			APIKey:     cfg.MilvusAPIKey,
			Collection: cfg.MilvusCollection,
		}, embedder)
		if err != nil {
			log.Printf("Warning: failed to initialize milvus store (%v), falling back to memory store", err)
			break
		}
		return s
	}
	return NewMemoryVectorStore()
}

// ---------------- Memory implementation ----------------

// MemoryVectorStore 词频余弦相似度，不调用外部服务
type MemoryVectorStore struct {
	mu      sync.RWMutex
	indexes map[string]*memoryIndex
}

type memoryIndex struct {
	version string
	docs    []memoryDoc
}

type memoryDoc struct {
	core.Document
	embed map[string]float64 // term -> weight
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{indexes: make(map[string]*memoryIndex)}
}

func (s *MemoryVectorStore) Version(_ context.Context, transcriptID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[transcriptID]
	if !ok {
		return "", false, nil
	}
	return idx.version, true, nil
}

func (s *MemoryVectorStore) Upsert(_ context.Context, transcriptID, version string, docs []core.Document) error {
	embeds := make([]memoryDoc, 0, len(docs))
	for _, d := range docs {
		embeds = append(embeds, memoryDoc{Document: d, embed: embedText(d.Text)})
	}
	s.mu.Lock()
	s.indexes[transcriptID] = &memoryIndex{version: version, docs: embeds}
	s.mu.Unlock()
	return nil
}

func (s *MemoryVectorStore) Search(_ context.Context, transcriptID, query string, topK int) ([]core.Hit, error) {
	s.mu.RLock()
	idx, ok := s.indexes[transcriptID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	qv := embedText(query)
	hits := make([]core.Hit, 0, len(idx.docs))
	for _, d := range idx.docs {
		hits = append(hits, core.Hit{Index: d.Index, Score: cosine(qv, d.embed), Text: d.Text})
	}
	SortHits(hits)
	if topK > 0 && topK < len(hits) {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *MemoryVectorStore) Drop(_ context.Context, transcriptID string) error {
	s.mu.Lock()
	delete(s.indexes, transcriptID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryVectorStore) Close() error { return nil }

// SortHits 按分数降序，分数相同按 utterance 序号升序
func SortHits(hits []core.Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Index < hits[j].Index
	})
}

// ---------------- 词频向量 ----------------

var punctuation = regexp.MustCompile(`[\p{P}\p{S}]+`)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"did": true, "do": true, "does": true, "for": true, "from": true, "how": true, "i": true,
	"in": true, "is": true, "it": true, "of": true, "on": true, "or": true, "say": true,
	"said": true, "that": true, "the": true, "this": true, "to": true, "was": true,
	"we": true, "what": true, "when": true, "who": true, "why": true, "with": true, "you": true,
	"的": true, "了": true, "在": true, "是": true, "我": true, "你": true, "他": true,
}

func tokenize(text string) []string {
	words := strings.Fields(strings.ToLower(punctuation.ReplaceAllString(text, " ")))
	out := words[:0]
	for _, w := range words {
		if !stopWords[w] {
			out = append(out, w)
		}
	}
	return out
}

func embedText(text string) map[string]float64 {
	m := map[string]float64{}
	for _, t := range tokenize(text) {
		m[t] += 1
	}
	// L2 normalize
	var sum float64
	for _, v := range m {
		sum += v * v
	}
	if sum == 0 {
		return m
	}
	norm := math.Sqrt(sum)
	for k, v := range m {
		m[k] = v / norm
	}
	return m
}

func cosine(a, b map[string]float64) float64 {
	var dot float64
	for k, va := range a {
		if vb, ok := b[k]; ok {
			dot += va * vb
		}
	}
	return dot
}

func escapeFilter(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func checkDim(vectors [][]float32, dim int) error {
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(v), dim)
		}
	}
	return nil
}

package storage

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder 文本向量化
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// OpenAIEmbedder 调用 OpenAI 兼容的 embeddings 接口
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
	batch  int
}

// NewOpenAIEmbedder 创建 embedding 客户端
func NewOpenAIEmbedder(apiKey, baseURL, model string, dim int) *OpenAIEmbedder {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		dim:    dim,
		batch:  64,
	}
}

func (e *OpenAIEmbedder) Dimension() int { return e.dim }

// Embed 分批请求，返回顺序与输入一致
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batch {
		end := start + e.batch
		if end > len(texts) {
			end = len(texts)
		}
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.model),
			Input: texts[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("embedding API failed: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(resp.Data), end-start)
		}
		chunk := make([][]float32, end-start)
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(chunk) {
				return nil, fmt.Errorf("embedding API returned out of range index %d", d.Index)
			}
			chunk[d.Index] = d.Embedding
		}
		out = append(out, chunk...)
	}
	return out, nil
}

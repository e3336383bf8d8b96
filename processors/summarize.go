package processors

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"meetingIntel/config"
	"meetingIntel/core"
)

// Generator 大模型文本生成，摘要、问答和说话人结构化共用
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// NewGenerator 按配置选择 OpenAI 兼容接口或 Gemini；都未配置时返回的实现每次调用都报错
func NewGenerator(ctx context.Context, cfg *config.Config) Generator {
	if cfg.LLMProvider == "gemini" {
		g, err := NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err == nil {
			return g
		}
		log.Printf("Warning: failed to create Gemini client: %v", err)
	} else if cfg.HasValidAPI() {
		return NewOpenAIGenerator(cfg.APIKey, cfg.BaseURL, cfg.ChatModel)
	}
	log.Println("Warning: no LLM provider configured, summaries and chat will fail until one is set")
	return unconfiguredGenerator{}
}

type unconfiguredGenerator struct{}

// configured 是否接入了可用的模型
func configured(llm Generator) bool {
	_, off := llm.(unconfiguredGenerator)
	return llm != nil && !off
}

func (unconfiguredGenerator) Generate(context.Context, string, string) (string, error) {
	return "", errors.New("LLM provider is not configured")
}

// ========== OpenAI 兼容接口 ==========

type OpenAIGenerator struct {
	cli         *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

func NewOpenAIGenerator(apiKey, baseURL, model string) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIGenerator{
		cli:         openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: 0.4,
		maxTokens:   1500,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := g.cli.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in chat completion response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// ========== Gemini ==========

type GeminiGenerator struct {
	client *genai.Client
	model  string
}

func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return &GeminiGenerator{client: client, model: model}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](0.4)}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", errors.New("empty response from Gemini")
	}
	var text strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(text.String()), nil
}

// generate 带超时调用模型，失败统一归为 summarization 错误
func generate(ctx context.Context, llm Generator, timeout time.Duration, system, prompt, what string) (string, error) {
	gctx, cancel := stageContext(ctx, timeout)
	defer cancel()

	out, err := llm.Generate(gctx, system, prompt)
	if err != nil {
		if errors.Is(gctx.Err(), context.DeadlineExceeded) {
			return "", core.NewError(core.KindSummarization, what+" timed out", err)
		}
		return "", core.NewError(core.KindSummarization, what+" failed", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", core.NewError(core.KindSummarization, what+" returned no content", nil)
	}
	return out, nil
}

// stageContext 外部调用不随请求取消，只受各阶段超时约束
func stageContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if timeout > 0 {
		return context.WithTimeout(detached, timeout)
	}
	return context.WithCancel(detached)
}

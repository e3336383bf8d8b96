package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// ConfigValidator 启动时的配置体检，给出逐字段的错误和警告
type ConfigValidator struct {
	mu         sync.RWMutex
	validators map[string]ValidatorFunc
	rules      map[string][]ValidationRule
	logger     *log.Logger
}

// ValidatorFunc 验证器函数类型
type ValidatorFunc func(value interface{}) *ValidationResult

// ValidationRule 验证规则，When 为空表示总是生效
type ValidationRule struct {
	Name      string
	Validator ValidatorFunc
	When      func(c *Config) bool
}

// ValidationResult 单字段验证结果
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidationReport 验证报告
type ValidationReport struct {
	Valid        bool                         `json:"valid"`
	OverallScore float64                      `json:"overall_score"`
	Results      map[string]*ValidationResult `json:"results"`
	Summary      ValidationSummary            `json:"summary"`
	Timestamp    time.Time                    `json:"timestamp"`
}

// ValidationSummary 验证摘要
type ValidationSummary struct {
	TotalFields   int `json:"total_fields"`
	ValidFields   int `json:"valid_fields"`
	InvalidFields int `json:"invalid_fields"`
	WarningFields int `json:"warning_fields"`
	TotalErrors   int `json:"total_errors"`
	TotalWarnings int `json:"total_warnings"`
}

// NewConfigValidator 创建验证器并注册内置规则
func NewConfigValidator() *ConfigValidator {
	v := &ConfigValidator{
		validators: make(map[string]ValidatorFunc),
		rules:      make(map[string][]ValidationRule),
		logger:     log.New(os.Stdout, "[CONFIG] ", log.LstdFlags),
	}
	v.registerBuiltinValidators()
	v.defineValidationRules()
	return v
}

func pass() *ValidationResult { return &ValidationResult{Valid: true} }

func fail(msg string) *ValidationResult {
	return &ValidationResult{Valid: false, Errors: []string{msg}}
}

func warn(msg string) *ValidationResult {
	return &ValidationResult{Valid: true, Warnings: []string{msg}}
}

var modelPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:/-]*[a-zA-Z0-9]$`)

func checkAPIKey(key string) *ValidationResult {
	if len(key) < 10 {
		return fail("api key is shorter than 10 characters")
	}
	lower := strings.ToLower(key)
	for _, placeholder := range []string{"your-api-key", "placeholder", "example"} {
		if strings.Contains(lower, placeholder) {
			return fail("api key looks like a placeholder")
		}
	}
	return pass()
}

func (v *ConfigValidator) registerBuiltinValidators() {
	v.validators["api_key"] = func(value interface{}) *ValidationResult {
		str, _ := value.(string)
		str = strings.TrimSpace(str)
		if str == "" {
			return fail("api key is empty")
		}
		return checkAPIKey(str)
	}

	// 未配置 OpenAI key 时服务仍可启动：转写退回 mock，摘要和问答返回错误
	v.validators["optional_api_key"] = func(value interface{}) *ValidationResult {
		str, _ := value.(string)
		str = strings.TrimSpace(str)
		if str == "" {
			return warn("api key is empty, transcription uses mock output and summaries are unavailable")
		}
		return checkAPIKey(str)
	}

	v.validators["url"] = func(value interface{}) *ValidationResult {
		str, _ := value.(string)
		str = strings.TrimSpace(str)
		if str == "" {
			return fail("url is empty")
		}
		u, err := url.Parse(str)
		if err != nil {
			return fail(fmt.Sprintf("invalid url: %v", err))
		}
		if u.Scheme == "" {
			return fail("url must include a scheme (http:// or https://)")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return warn("http or https is recommended")
		}
		return pass()
	}

	v.validators["model_name"] = func(value interface{}) *ValidationResult {
		str, _ := value.(string)
		str = strings.TrimSpace(str)
		if str == "" {
			return fail("model name is empty")
		}
		if !modelPattern.MatchString(str) {
			return warn("model name has an unusual format")
		}
		return pass()
	}

	v.validators["database_url"] = func(value interface{}) *ValidationResult {
		str, _ := value.(string)
		str = strings.TrimSpace(str)
		if str == "" {
			return fail("database url is empty")
		}
		u, err := url.Parse(str)
		if err != nil {
			return fail(fmt.Sprintf("invalid database url: %v", err))
		}
		if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			return fail("database url must use postgres:// or postgresql://")
		}
		if u.Host == "" {
			return fail("database url is missing a host")
		}
		return pass()
	}

	v.validators["gpu_type"] = func(value interface{}) *ValidationResult {
		str, _ := value.(string)
		switch strings.ToLower(strings.TrimSpace(str)) {
		case "nvidia", "amd", "intel", "auto", "":
			return pass()
		default:
			return warn(fmt.Sprintf("unknown gpu type %q, falling back to auto", str))
		}
	}

	v.validators["relevance"] = func(value interface{}) *ValidationResult {
		f, _ := value.(float64)
		if f < -1 || f > 1 {
			return fail("min_relevance must be within [-1, 1]")
		}
		return pass()
	}

	v.validators["positive_int"] = func(value interface{}) *ValidationResult {
		n, _ := value.(int)
		if n <= 0 {
			return fail("must be positive")
		}
		return pass()
	}

	v.validators["timeout"] = func(value interface{}) *ValidationResult {
		n, _ := value.(int)
		if n <= 0 {
			return warn("no timeout configured, stage runs until the request is cancelled")
		}
		return pass()
	}
}

func (v *ConfigValidator) defineValidationRules() {
	usesOpenAI := func(c *Config) bool {
		return c.LLMProvider == "openai" || c.ASRProvider == "openai" || c.VectorStore != "memory"
	}
	usesPostgres := func(c *Config) bool {
		return c.SessionStore == "postgres" || c.VectorStore == "pgvector"
	}

	v.rules["api_key"] = []ValidationRule{{Name: "format", Validator: v.validators["optional_api_key"], When: usesOpenAI}}
	v.rules["base_url"] = []ValidationRule{{Name: "url_format", Validator: v.validators["url"], When: usesOpenAI}}
	v.rules["chat_model"] = []ValidationRule{{Name: "model_name_format", Validator: v.validators["model_name"]}}
	v.rules["embedding_model"] = []ValidationRule{{
		Name:      "model_name_format",
		Validator: v.validators["model_name"],
		When:      func(c *Config) bool { return c.VectorStore != "memory" },
	}}
	v.rules["gemini_api_key"] = []ValidationRule{{
		Name:      "required",
		Validator: v.validators["api_key"],
		When:      func(c *Config) bool { return c.LLMProvider == "gemini" },
	}}
	v.rules["postgres_url"] = []ValidationRule{{Name: "database_url_format", Validator: v.validators["database_url"], When: usesPostgres}}
	v.rules["gpu_type"] = []ValidationRule{{
		Name:      "gpu_type_value",
		Validator: v.validators["gpu_type"],
		When:      func(c *Config) bool { return c.GPUAcceleration },
	}}
	v.rules["min_relevance"] = []ValidationRule{{Name: "range", Validator: v.validators["relevance"]}}
	v.rules["retrieval_top_k"] = []ValidationRule{{Name: "positive", Validator: v.validators["positive_int"]}}
	v.rules["max_upload_mb"] = []ValidationRule{{Name: "positive", Validator: v.validators["positive_int"]}}
	v.rules["extract_timeout_seconds"] = []ValidationRule{{Name: "timeout", Validator: v.validators["timeout"]}}
	v.rules["transcribe_timeout_seconds"] = []ValidationRule{{Name: "timeout", Validator: v.validators["timeout"]}}
	v.rules["llm_timeout_seconds"] = []ValidationRule{{Name: "timeout", Validator: v.validators["timeout"]}}
}

// ValidateConfig 验证完整配置
func (v *ConfigValidator) ValidateConfig(c *Config) *ValidationReport {
	v.mu.RLock()
	defer v.mu.RUnlock()

	report := &ValidationReport{
		Valid:     true,
		Results:   make(map[string]*ValidationResult),
		Timestamp: time.Now(),
	}

	fields := map[string]interface{}{
		"api_key":                    c.APIKey,
		"base_url":                   c.BaseURL,
		"chat_model":                 c.ChatModel,
		"embedding_model":            c.EmbeddingModel,
		"gemini_api_key":             c.GeminiAPIKey,
		"postgres_url":               c.PostgresURL,
		"gpu_type":                   c.GPUType,
		"min_relevance":              c.MinRelevance,
		"retrieval_top_k":            c.RetrievalTopK,
		"max_upload_mb":              c.MaxUploadMB,
		"extract_timeout_seconds":    c.ExtractTimeoutSec,
		"transcribe_timeout_seconds": c.TranscribeTimeoutSec,
		"llm_timeout_seconds":        c.LLMTimeoutSec,
	}

	for name, value := range fields {
		result := v.validateField(name, value, c)
		if result == nil {
			continue
		}
		report.Results[name] = result
		if !result.Valid {
			report.Valid = false
		}
	}

	report.Summary = calculateSummary(report.Results)
	report.OverallScore = calculateOverallScore(report.Summary)
	v.logger.Printf("config validated: valid=%v score=%.2f", report.Valid, report.OverallScore)
	return report
}

// validateField 返回 nil 表示该字段在当前配置下不需要校验
func (v *ConfigValidator) validateField(name string, value interface{}, c *Config) *ValidationResult {
	var combined *ValidationResult
	for _, rule := range v.rules[name] {
		if rule.When != nil && !rule.When(c) {
			continue
		}
		r := rule.Validator(value)
		if combined == nil {
			combined = r
			continue
		}
		combined = &ValidationResult{
			Valid:    combined.Valid && r.Valid,
			Errors:   append(combined.Errors, r.Errors...),
			Warnings: append(combined.Warnings, r.Warnings...),
		}
	}
	return combined
}

func calculateSummary(results map[string]*ValidationResult) ValidationSummary {
	summary := ValidationSummary{TotalFields: len(results)}
	for _, r := range results {
		if r.Valid {
			summary.ValidFields++
		} else {
			summary.InvalidFields++
		}
		if len(r.Warnings) > 0 {
			summary.WarningFields++
		}
		summary.TotalErrors += len(r.Errors)
		summary.TotalWarnings += len(r.Warnings)
	}
	return summary
}

// calculateOverallScore 有效字段比例，每个警告扣 2 分，每个错误扣 5 分
func calculateOverallScore(summary ValidationSummary) float64 {
	if summary.TotalFields == 0 {
		return 0
	}
	score := float64(summary.ValidFields)/float64(summary.TotalFields)*100 -
		float64(summary.TotalWarnings)*2 - float64(summary.TotalErrors)*5
	if score < 0 {
		score = 0
	}
	return score
}

// GetFormattedReport 格式化输出
func (report *ValidationReport) GetFormattedReport() string {
	var b strings.Builder
	b.WriteString("\n=== Config validation ===\n")
	status := "✓ passed"
	if !report.Valid {
		status = "✗ failed"
	}
	fmt.Fprintf(&b, "status: %s (score %.2f/100)\n", status, report.OverallScore)
	fmt.Fprintf(&b, "fields: %d valid, %d invalid, %d with warnings\n",
		report.Summary.ValidFields, report.Summary.InvalidFields, report.Summary.WarningFields)

	names := make([]string, 0, len(report.Results))
	for name := range report.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := report.Results[name]
		mark := "✓"
		if !r.Valid {
			mark = "✗"
		}
		fmt.Fprintf(&b, "%s %s\n", mark, name)
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  error: %s\n", e)
		}
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "  warning: %s\n", w)
		}
	}
	b.WriteString("=========================\n")
	return b.String()
}

var (
	globalValidator     *ConfigValidator
	globalValidatorOnce sync.Once
)

// GetGlobalValidator 全局验证器实例
func GetGlobalValidator() *ConfigValidator {
	globalValidatorOnce.Do(func() {
		globalValidator = NewConfigValidator()
	})
	return globalValidator
}

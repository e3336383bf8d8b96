package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind 错误分类，前端根据 kind 展示具体提示
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation_error"
	KindExtraction        ErrorKind = "extraction_error"
	KindTranscription     ErrorKind = "transcription_error"
	KindSummarization     ErrorKind = "summarization_error"
	KindNotFound          ErrorKind = "not_found"
	KindIncompleteMapping ErrorKind = "incomplete_mapping"
	KindEmptyQuery        ErrorKind = "empty_query"
	KindInternal          ErrorKind = "internal_error"
)

// ErrFileTooLarge 上传文件超过大小限制，包装在 validation 错误中返回 413
var ErrFileTooLarge = errors.New("file too large")

// Error 带分类的错误。Message 可以直接展示给用户，Err 只用于日志
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 创建分类错误
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFound 未找到指定 id 的转录
func NotFound(id string) *Error {
	return NewError(KindNotFound, fmt.Sprintf("transcript %s not found", id), nil)
}

// KindOf 返回错误分类，未分类的错误视为 internal
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind 判断错误是否属于指定分类
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage 返回可以对外展示的信息，不包含凭据或文件路径
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus 错误分类对应的 HTTP 状态码
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		if errors.Is(err, ErrFileTooLarge) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case KindEmptyQuery, KindIncompleteMapping:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

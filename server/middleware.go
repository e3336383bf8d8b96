package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"meetingIntel/core"
	"meetingIntel/utils"
)

// UploadLimit 限制请求体大小，超出时读取 multipart 会返回 *http.MaxBytesError
func UploadLimit(maxBytes int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if maxBytes <= 0 {
				return next(c)
			}
			req := c.Request()
			if req.ContentLength > maxBytes {
				return uploadTooLarge(maxBytes)
			}
			req.Body = http.MaxBytesReader(c.Response().Writer, req.Body, maxBytes)
			return next(c)
		}
	}
}

func uploadTooLarge(maxBytes int64) error {
	return core.NewError(core.KindValidation,
		"file too large. Maximum size is "+utils.FormatBytes(maxBytes-multipartOverhead), core.ErrFileTooLarge)
}

// isBodyTooLarge multipart 解析有时只保留错误文本
func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

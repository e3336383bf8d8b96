package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"meetingIntel/config"
	"meetingIntel/core"
	"meetingIntel/processors"
	"meetingIntel/storage"
)

const (
	ServiceName = "meeting-intel"
	Version     = "1.0.0"
)

// multipartOverhead multipart 边界和表单头的余量
const multipartOverhead = 1 << 20

// Server HTTP 入口，所有响应使用 {success, ...} 信封
type Server struct {
	e      *echo.Echo
	cfg    *config.Config
	logger *log.Logger
}

// Deps 处理器依赖
type Deps struct {
	Orchestrator *processors.Orchestrator
	Chat         *processors.ChatEngine
	Sessions     storage.SessionStore
	Vectors      storage.VectorStore
}

func New(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{e: e, cfg: cfg, logger: log.New(os.Stdout, "[HTTP] ", log.LstdFlags)}
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())

	th := NewTranscriptHandlers(cfg, deps)
	upload := UploadLimit(cfg.UploadConstraints().MaxBytes + multipartOverhead)

	e.GET("/health", HealthCheckHandler)
	e.POST("/process", th.ProcessVideoHandler, upload)
	e.POST("/process-video", th.ProcessVideoHandler, upload)
	e.POST("/speakers", th.AssignSpeakersHandler)
	e.POST("/generate-summary", th.GenerateSummaryHandler)
	e.POST("/chat", th.ChatHandler)
	e.GET("/transcript/:id", th.GetTranscriptHandler)
	e.GET("/transcript/:id/chat", th.ChatHistoryHandler)
	e.DELETE("/transcript/:id", th.DeleteTranscriptHandler)

	return s
}

// ServeHTTP 便于测试直接挂到 httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	addr := ":" + s.cfg.Port
	s.logger.Printf("Server listening on %s", addr)
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// errorHandler 把 echo 和业务错误统一成信封格式；内部错误只记录日志，不把细节返回给客户端
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := fmt.Sprint(he.Message)
		kind := core.KindInternal
		switch {
		case he.Code == http.StatusNotFound:
			kind = core.KindNotFound
		case he.Code == http.StatusRequestEntityTooLarge:
			kind = core.KindValidation
		case he.Code < http.StatusInternalServerError:
			kind = core.KindValidation
		default:
			msg = "internal server error"
		}
		writeError(c, he.Code, kind, msg)
		return
	}

	status := core.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("%s %s failed: %v", c.Request().Method, c.Path(), err)
	}
	writeError(c, status, core.KindOf(err), core.PublicMessage(err))
}

func writeError(c echo.Context, status int, kind core.ErrorKind, msg string) {
	var err error
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, map[string]interface{}{
			"success": false,
			"error":   msg,
			"kind":    kind,
		})
	}
	if err != nil {
		log.Printf("failed to write error response: %v", err)
	}
}

// respond 成功响应
func respond(c echo.Context, payload map[string]interface{}) error {
	body := map[string]interface{}{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	return c.JSON(http.StatusOK, body)
}

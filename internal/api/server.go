// Package api exposes the orchestrator to the conversational surface over
// HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/example/visual-orchestrator/internal/gate"
	"github.com/example/visual-orchestrator/internal/models"
	"github.com/example/visual-orchestrator/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

type Options struct {
	// AutoDispatch mirrors the service setting; confirmed work is reported
	// as 202 Accepted when it will run in the background.
	AutoDispatch bool
	AllowOrigins []string
	// Heartbeat is the SSE keep-alive interval. Zero disables it.
	Heartbeat time.Duration
}

type Server struct {
	svc  *orchestrator.Service
	opts Options
	log  *zap.Logger
}

func New(svc *orchestrator.Service, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{svc: svc, opts: opts, log: log.Named("api")}
}

// Handler builds the gin engine with all routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	cc := cors.DefaultConfig()
	if len(s.opts.AllowOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = s.opts.AllowOrigins
	}
	cc.AddAllowHeaders("Authorization", "Idempotency-Key")
	r.Use(cors.New(cc))

	r.GET("/health", s.health)

	conv := r.Group("/conversations/:cid")
	{
		conv.POST("/utterances", s.submit)
		conv.GET("/tasks", s.listTasks)
		conv.GET("/events", s.events)
	}

	tasks := r.Group("/tasks/:id")
	{
		tasks.GET("", s.getTask)
		tasks.POST("/confirm", s.confirm)
		tasks.POST("/cancel", s.cancel)
		tasks.POST("/override", s.override)
		tasks.POST("/retry", s.retry)
		tasks.POST("/dispatch", s.dispatch)
	}
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
}

func (s *Server) submit(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		s.fail(c, models.NewError(models.CodeValidation, "read body: %v", err))
		return
	}
	if !gjson.ValidBytes(body) {
		s.fail(c, models.NewError(models.CodeValidation, "body is not valid JSON"))
		return
	}
	req := gjson.ParseBytes(body)
	in, err := ParseInput(req.Get("input"))
	if err != nil {
		s.fail(c, err)
		return
	}

	d, err := s.svc.Submit(c.Request.Context(), c.Param("cid"), req.Get("owner_id").String(), in, c.GetHeader("Idempotency-Key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if d.Kind == gate.AutoConfirm && s.opts.AutoDispatch && !d.Replayed {
		status = http.StatusAccepted
	}
	c.JSON(status, envelope{OK: true, Result: d})
}

func (s *Server) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, envelope{OK: true, Result: s.svc.Tasks(c.Param("cid"))})
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.svc.Task(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope{OK: true, Result: t})
}

func (s *Server) confirm(c *gin.Context) {
	t, err := s.svc.Confirm(c.Request.Context(), c.Param("id"))
	s.taskReply(c, t, err)
}

func (s *Server) cancel(c *gin.Context) {
	t, err := s.svc.Cancel(c.Request.Context(), c.Param("id"))
	s.taskReply(c, t, err)
}

func (s *Server) override(c *gin.Context) {
	var req struct {
		Intent string `json:"intent" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, models.NewError(models.CodeValidation, "intent is required"))
		return
	}
	intent, ok := models.ParseIntent(req.Intent)
	if !ok {
		s.fail(c, models.NewError(models.CodeValidation, "unknown intent %q", req.Intent))
		return
	}
	t, err := s.svc.Override(c.Request.Context(), c.Param("id"), intent)
	s.taskReply(c, t, err)
}

func (s *Server) retry(c *gin.Context) {
	t, err := s.svc.Retry(c.Request.Context(), c.Param("id"))
	s.taskReply(c, t, err)
}

// dispatch runs the task synchronously and answers with the normalized
// result. A task that ran and failed is reported with 200 and ok=false.
func (s *Server) dispatch(c *gin.Context) {
	t, err := s.svc.Dispatch(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil && t.Result != nil:
		c.JSON(http.StatusOK, envelope{OK: true, Result: resultOf(*t.Result)})
	case err != nil && t.State == models.StateFailed && t.Error != nil && models.CodeOf(err) == t.Error.Code:
		c.JSON(http.StatusOK, envelope{OK: false, Error: errorOf(err)})
	case (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) &&
		(t.State == models.StateRunning || t.State == models.StateConfirmed):
		// The caller went away; the dispatch finishes in the background.
		c.JSON(http.StatusAccepted, envelope{OK: true, Result: t})
	case err != nil:
		s.fail(c, err)
	default:
		c.JSON(http.StatusOK, envelope{OK: true, Result: t})
	}
}

func (s *Server) taskReply(c *gin.Context, t models.Task, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if t.State == models.StateConfirmed && s.opts.AutoDispatch {
		status = http.StatusAccepted
	}
	c.JSON(status, envelope{OK: true, Result: t})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, envelope{OK: false, Error: errorOf(err)})
}

func statusOf(err error) int {
	switch models.CodeOf(err) {
	case models.CodeValidation:
		return http.StatusBadRequest
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeInvalidTransition, models.CodeConversationBusy, models.CodeRetriesExhausted:
		return http.StatusConflict
	case models.CodeTimeout:
		return http.StatusGatewayTimeout
	case models.CodeBackend, models.CodeClassificationUnavailable:
		return http.StatusBadGateway
	case "":
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}

type envelope struct {
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code      models.ErrorCode `json:"code"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
}

type resultBody struct {
	AssetURL   string         `json:"assetUrl"`
	Title      string         `json:"title"`
	SourceID   string         `json:"sourceId"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func resultOf(r models.Result) resultBody {
	return resultBody{AssetURL: r.AssetURL, Title: r.Title, SourceID: r.SourceID, Extensions: r.Extensions}
}

func errorOf(err error) *errorBody {
	var te *models.TaskError
	if errors.As(err, &te) {
		return &errorBody{Code: te.Code, Message: te.Message, Retryable: te.Retryable}
	}
	return &errorBody{Code: "internal", Message: "internal error"}
}

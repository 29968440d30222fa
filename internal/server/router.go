// Package server exposes the shell's bridge surface to the UI over a
// loopback HTTP API.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/printshell/internal/bridge"
	"github.com/loykin/printshell/internal/events"
	"github.com/loykin/printshell/internal/metrics"
	"github.com/loykin/printshell/internal/session"
	"github.com/loykin/printshell/internal/stream"
	"github.com/loykin/printshell/internal/supervisor"
	"github.com/loykin/printshell/internal/tasks"
	"github.com/loykin/printshell/internal/updater"
)

// Backend is the supervisor view the router needs.
type Backend interface {
	Current() (supervisor.Handle, bool)
}

// Forwarder relays UI requests to the backend.
type Forwarder interface {
	Forward(ctx context.Context, req bridge.Request) (*bridge.Response, error)
	CheckStatus(ctx context.Context) bridge.StatusResult
}

// BackendAPI is the typed slice of the backend API the UI calls directly.
type BackendAPI interface {
	AddTask(ctx context.Context, task bridge.NewTask) (tasks.Record, error)
	CancelTask(ctx context.Context, taskID string) error
	TestPrint(ctx context.Context, content string) (bridge.Result, error)
	QueueStatus(ctx context.Context) (bridge.QueueStatus, error)
	SystemStatus(ctx context.Context) (bridge.SystemStatus, error)
}

// PrintSender publishes print requests over the event stream.
type PrintSender interface {
	SendPrint(content, printerName string) error
}

// StreamView reports the event stream connection.
type StreamView interface {
	Connected() bool
	Sessions() int
	Topics() []string
}

// TaskView is the reconciled task collection.
type TaskView interface {
	Records() []tasks.Record
	Get(id string) (tasks.Record, bool)
	Merge(rec tasks.Record) bool
	Stats() tasks.Stats
}

// SessionStore holds the persisted session values.
type SessionStore interface {
	All(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
}

// Updates is the update coordinator.
type Updates interface {
	State() updater.State
	Trigger(ctx context.Context) updater.TriggerResult
	Download(ctx context.Context) error
	Install(ctx context.Context) error
	Defer() error
}

// EventSource feeds the server-sent event stream.
type EventSource interface {
	Channel(size int) (<-chan events.Event, events.UnsubscribeFunc)
}

// Deps are the components behind the routes.
type Deps struct {
	Backend   Backend
	Bridge    Forwarder
	API       BackendAPI
	Printer   PrintSender
	Stream    StreamView
	Tasks     TaskView
	Session   SessionStore
	Updates   Updates
	Events    EventSource
	Version   string
	Logger    *slog.Logger
	OnSession func(key string) // called after a session value changed
}

// Router serves the bridge surface under basePath.
//
//	GET  {base}/server-port            GET  {base}/app-version
//	POST {base}/api-request            GET  {base}/server-status
//	POST {base}/print                  POST {base}/print/test
//	GET  {base}/tasks, {base}/tasks/stats, {base}/tasks/:id
//	POST {base}/tasks                  DELETE {base}/tasks/:id
//	GET  {base}/queue                  GET  {base}/system
//	GET  {base}/stream
//	GET  {base}/session                PUT  {base}/session
//	POST {base}/updates/check|download|install|defer
//	GET  {base}/updates/state          GET  {base}/events (SSE)
//	GET  /metrics
type Router struct {
	deps     Deps
	basePath string
	log      *slog.Logger
}

func NewRouter(deps Deps, basePath string) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Router{deps: deps, basePath: mountPoint(basePath), log: deps.Logger.With("component", "server")}
}

// Handler returns the gin engine with every route mounted.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	group := g.Group(r.basePath)
	group.GET("/server-port", r.handleServerPort)
	group.GET("/app-version", r.handleAppVersion)
	group.POST("/api-request", r.handleAPIRequest)
	group.GET("/server-status", r.handleServerStatus)
	group.POST("/print", r.handlePrint)
	group.POST("/print/test", r.handleTestPrint)
	group.GET("/tasks", r.handleTasks)
	group.POST("/tasks", r.handleAddTask)
	group.GET("/tasks/stats", r.handleTaskStats)
	group.GET("/tasks/:id", r.handleGetTask)
	group.DELETE("/tasks/:id", r.handleCancelTask)
	group.GET("/queue", r.handleQueueStatus)
	group.GET("/system", r.handleSystemStatus)
	group.GET("/stream", r.handleStream)
	group.GET("/session", r.handleGetSession)
	group.PUT("/session", r.handlePutSession)
	group.POST("/updates/check", r.handleUpdateCheck)
	group.POST("/updates/download", r.handleUpdateDownload)
	group.POST("/updates/install", r.handleUpdateInstall)
	group.POST("/updates/defer", r.handleUpdateDefer)
	group.GET("/updates/state", r.handleUpdateState)
	group.GET("/events", r.handleEvents)
	return g
}

// NewHTTPServer wraps h with the server timeouts. WriteTimeout stays unset
// because the event stream is long-lived.
func NewHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("request", "method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status(), "duration", time.Since(start))
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// statusFor maps component errors onto HTTP status codes.
func statusFor(err error) int {
	var reqErr *bridge.RequestError
	switch {
	case errors.Is(err, bridge.ErrBackendUnavailable), errors.Is(err, stream.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, updater.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &reqErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) fail(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

// --- Handlers ---

func (r *Router) handleServerPort(c *gin.Context) {
	h, _ := r.deps.Backend.Current()
	writeJSON(c, http.StatusOK, gin.H{"port": h.Port, "state": h.StateName})
}

func (r *Router) handleAppVersion(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"version": r.deps.Version})
}

func (r *Router) handleAPIRequest(c *gin.Context) {
	var req bridge.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !strings.HasPrefix(req.Path, "/") {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "endpoint must start with /"})
		return
	}
	resp, err := r.deps.Bridge.Forward(c.Request.Context(), req)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": resp.StatusCode, "data": resp.Data})
}

func (r *Router) handleServerStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Bridge.CheckStatus(c.Request.Context()))
}

type printReq struct {
	Content     string `json:"content"`
	PrinterName string `json:"printerName"`
}

func (r *Router) handlePrint(c *gin.Context) {
	var req printReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "content required"})
		return
	}
	if err := r.deps.Printer.SendPrint(req.Content, req.PrinterName); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleTestPrint(c *gin.Context) {
	var req printReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	res, err := r.deps.API.TestPrint(c.Request.Context(), req.Content)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleTasks(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Tasks.Records())
}

// handleAddTask submits a task over HTTP and merges the created record so
// the UI sees it before the stream echoes it back.
func (r *Router) handleAddTask(c *gin.Context) {
	var req printReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "content required"})
		return
	}
	rec, err := r.deps.API.AddTask(c.Request.Context(), bridge.NewTask{Content: req.Content, PrinterName: req.PrinterName})
	if err != nil {
		r.fail(c, err)
		return
	}
	r.deps.Tasks.Merge(rec)
	writeJSON(c, http.StatusCreated, rec)
}

func (r *Router) handleGetTask(c *gin.Context) {
	rec, ok := r.deps.Tasks.Get(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown task " + c.Param("id")})
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleCancelTask(c *gin.Context) {
	if err := r.deps.API.CancelTask(c.Request.Context(), c.Param("id")); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleQueueStatus(c *gin.Context) {
	qs, err := r.deps.API.QueueStatus(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, qs)
}

func (r *Router) handleSystemStatus(c *gin.Context) {
	st, err := r.deps.API.SystemStatus(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStream(c *gin.Context) {
	topics := r.deps.Stream.Topics()
	if topics == nil {
		topics = []string{}
	}
	writeJSON(c, http.StatusOK, gin.H{
		"connected": r.deps.Stream.Connected(),
		"sessions":  r.deps.Stream.Sessions(),
		"topics":    topics,
	})
}

func (r *Router) handleTaskStats(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Tasks.Stats())
}

func (r *Router) handleGetSession(c *gin.Context) {
	vals, err := r.deps.Session.All(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		session.KeyStoreID:        vals[session.KeyStoreID],
		session.KeyDefaultPrinter: vals[session.KeyDefaultPrinter],
	})
}

type sessionReq struct {
	StoreID        *string `json:"storeId"`
	DefaultPrinter *string `json:"defaultPrinter"`
}

func (r *Router) handlePutSession(c *gin.Context) {
	var req sessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.StoreID != nil && *req.StoreID != "" && !validStoreID(*req.StoreID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid storeId: allowed [A-Za-z0-9._-]"})
		return
	}
	ctx := c.Request.Context()
	for key, val := range map[string]*string{session.KeyStoreID: req.StoreID, session.KeyDefaultPrinter: req.DefaultPrinter} {
		if val == nil {
			continue
		}
		if err := r.deps.Session.Set(ctx, key, *val); err != nil {
			r.fail(c, err)
			return
		}
		if r.deps.OnSession != nil {
			r.deps.OnSession(key)
		}
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleUpdateCheck(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Updates.Trigger(c.Request.Context()))
}

func (r *Router) handleUpdateDownload(c *gin.Context) {
	if ph := r.deps.Updates.State().Phase; ph != updater.PhaseAvailable {
		writeJSON(c, http.StatusConflict, errorResp{Error: "no update available to download (phase " + string(ph) + ")"})
		return
	}
	// Progress is reported on the event stream; the download outlives the request.
	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		if err := r.deps.Updates.Download(ctx); err != nil {
			r.log.Warn("update download failed", "error", err)
		}
	}()
	writeJSON(c, http.StatusAccepted, r.deps.Updates.State())
}

func (r *Router) handleUpdateInstall(c *gin.Context) {
	if err := r.deps.Updates.Install(c.Request.Context()); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleUpdateDefer(c *gin.Context) {
	if err := r.deps.Updates.Defer(); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.deps.Updates.State())
}

func (r *Router) handleUpdateState(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Updates.State())
}

// handleEvents streams bus events as server-sent events named by type.
func (r *Router) handleEvents(c *gin.Context) {
	ch, unsubscribe := r.deps.Events.Channel(64)
	defer unsubscribe()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(e.Type.String(), e)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Package devbackend is an in-process stand-in for the bundled print
// backend: the same HTTP API surface and STOMP endpoint, backed by memory.
// It serves tests and the `printshell backend-stub` command.
package devbackend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Task statuses as the backend reports them.
const (
	StatusPending   = "PENDING"
	StatusPrinting  = "PRINTING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Task is the backend's print task as serialized on the wire.
type Task struct {
	TaskID      string    `json:"taskId"`
	Content     string    `json:"content"`
	Status      string    `json:"status"`
	RetryCount  int       `json:"retryCount"`
	CreateTime  time.Time `json:"createTime"`
	PrinterName string    `json:"printerName,omitempty"`
}

// Options configures a Server.
type Options struct {
	Logger   *slog.Logger
	Version  string
	Printers []string
	WSPath   string // STOMP endpoint, default /print-ws/websocket
}

// Server is the stand-in backend.
type Server struct {
	e      *echo.Echo
	log    *slog.Logger
	broker *Broker
	opts   Options

	mu             sync.Mutex
	tasks          []*Task
	defaultPrinter string
	completed      int
	failed         int
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if opts.Printers == nil {
		opts.Printers = []string{"Office Laser", "Receipt-80mm"}
	}
	if opts.WSPath == "" {
		opts.WSPath = "/print-ws/websocket"
	}
	s := &Server{log: opts.Logger, opts: opts}
	s.broker = NewBroker(opts.Logger, s.onSend)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	api := e.Group("/api")
	api.GET("/system/status", s.systemStatus)
	api.GET("/tasks/pending", s.pendingTasks)
	api.POST("/tasks", s.addTask)
	api.DELETE("/tasks/:id", s.cancelTask)
	api.GET("/printers", s.printers)
	api.POST("/settings/printer", s.setPrinter)
	api.GET("/queue/status", s.queueStatus)
	api.POST("/print/test", s.testPrint)
	e.GET(opts.WSPath, echo.WrapHandler(s.broker))
	s.e = e
	return s
}

// Handler exposes the full HTTP surface, e.g. for httptest.NewServer.
func (s *Server) Handler() http.Handler { return s.e }

// Broker exposes the STOMP broker for test hooks.
func (s *Server) Broker() *Broker { return s.broker }

// Serve runs the server on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.e.Listener = ln
	if err := s.e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes open sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.broker.DropConnections()
	return s.e.Shutdown(ctx)
}

// Publish sends a JSON-encoded payload to every subscriber of destination.
func (s *Server) Publish(destination string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.broker.Publish(destination, b)
	return nil
}

// PublishRaw sends body verbatim, e.g. to exercise malformed payload handling.
func (s *Server) PublishRaw(destination string, body []byte) { s.broker.Publish(destination, body) }

// DropConnections closes every STOMP session abnormally.
func (s *Server) DropConnections() { s.broker.DropConnections() }

// Subscriptions counts active subscriptions per destination.
func (s *Server) Subscriptions() map[string]int { return s.broker.Subscriptions() }

// SetTaskStatus changes a task's status and announces it on the status topics.
func (s *Server) SetTaskStatus(storeID, taskID, status string) bool {
	s.mu.Lock()
	var found bool
	for _, t := range s.tasks {
		if t.TaskID == taskID {
			t.Status = status
			found = true
			break
		}
	}
	switch {
	case !found:
	case status == StatusCompleted:
		s.completed++
	case status == StatusFailed:
		s.failed++
	}
	s.mu.Unlock()
	if !found {
		return false
	}
	msg := map[string]any{"taskId": taskID, "status": status, "timestamp": time.Now().Format(time.RFC3339)}
	_ = s.Publish("/topic/print-status", msg)
	if storeID != "" {
		_ = s.Publish("/topic/store/"+storeID+"/print-status", msg)
	}
	return true
}

func (s *Server) createTask(storeID, content, printer string) *Task {
	t := &Task{
		TaskID:      uuid.NewString(),
		Content:     content,
		Status:      StatusPending,
		CreateTime:  time.Now(),
		PrinterName: printer,
	}
	s.mu.Lock()
	if t.PrinterName == "" {
		t.PrinterName = s.defaultPrinter
	}
	s.tasks = append(s.tasks, t)
	cp := *t
	s.mu.Unlock()
	if storeID != "" {
		_ = s.Publish("/topic/store/"+storeID+"/print-tasks", cp)
	}
	return &cp
}

func (s *Server) onSend(storeID, destination string, body []byte) {
	switch destination {
	case "/app/heartbeat":
		_ = s.Publish("/topic/heartbeat", map[string]any{"timestamp": time.Now().UnixMilli()})
	case "/app/print":
		var req struct {
			Content     string `json:"content"`
			PrinterName string `json:"printerName"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			_ = s.Publish("/topic/print-status", map[string]any{"success": false, "message": "invalid print request: " + err.Error()})
			return
		}
		t := s.createTask(storeID, req.Content, req.PrinterName)
		_ = s.Publish("/topic/print-status", map[string]any{"success": true, "message": "print request accepted", "taskId": t.TaskID})
	default:
		s.log.Debug("unhandled stomp destination", "destination", destination)
	}
}

func (s *Server) stats() (queue int, successRate float64) {
	for _, t := range s.tasks {
		if t.Status == StatusPending || t.Status == StatusPrinting {
			queue++
		}
	}
	if done := s.completed + s.failed; done > 0 {
		successRate = float64(s.completed) / float64(done) * 100
	}
	return queue, successRate
}

func (s *Server) systemStatus(c echo.Context) error {
	s.mu.Lock()
	queue, rate := s.stats()
	current := s.defaultPrinter
	s.mu.Unlock()
	if current == "" {
		current = "unset"
	}
	return c.JSON(http.StatusOK, map[string]any{
		"version":        s.opts.Version,
		"queueSize":      queue,
		"successRate":    rate,
		"printerReady":   len(s.opts.Printers) > 0,
		"currentPrinter": current,
	})
}

func (s *Server) pendingTasks(c echo.Context) error {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Status == StatusPending || t.Status == StatusPrinting {
			out = append(out, *t)
		}
	}
	s.mu.Unlock()
	return c.JSON(http.StatusOK, out)
}

func (s *Server) addTask(c echo.Context) error {
	var req Task
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"success": false, "message": err.Error()})
	}
	t := s.createTask(c.QueryParam("storeId"), req.Content, req.PrinterName)
	return c.JSON(http.StatusOK, t)
}

func (s *Server) cancelTask(c echo.Context) error {
	id := c.Param("id")
	s.mu.Lock()
	idx := -1
	for i, t := range s.tasks {
		if t.TaskID == id {
			idx = i
			break
		}
	}
	if idx >= 0 {
		s.tasks = append(s.tasks[:idx], s.tasks[idx+1:]...)
	}
	s.mu.Unlock()
	if idx < 0 {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) printers(c echo.Context) error {
	out := make([]map[string]string, 0, len(s.opts.Printers))
	for _, p := range s.opts.Printers {
		out = append(out, map[string]string{"name": p})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) setPrinter(c echo.Context) error {
	var req struct {
		PrinterName string `json:"printerName"`
	}
	if err := c.Bind(&req); err != nil || req.PrinterName == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"success": false, "message": "printer name must not be empty"})
	}
	s.mu.Lock()
	s.defaultPrinter = req.PrinterName
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]any{"success": true, "message": "default printer updated"})
}

func (s *Server) queueStatus(c echo.Context) error {
	s.mu.Lock()
	queue, rate := s.stats()
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]any{
		"queueSize":    queue,
		"successRate":  rate,
		"printerReady": len(s.opts.Printers) > 0,
	})
}

func (s *Server) testPrint(c echo.Context) error {
	var req struct {
		PrinterName string `json:"printerName"`
	}
	_ = c.Bind(&req)
	t := s.createTask(c.QueryParam("storeId"), "printshell test page", req.PrinterName)
	return c.JSON(http.StatusOK, map[string]any{"success": true, "message": "test print queued", "taskId": t.TaskID})
}

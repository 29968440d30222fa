package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/loykin/printshell/internal/session"
	"github.com/loykin/printshell/internal/tasks"
)

// PrinterStore persists the chosen default printer.
type PrinterStore interface {
	Set(ctx context.Context, key, value string) error
}

// Printer is one printer offered by the backend.
type Printer struct {
	Name string `json:"name"`
}

// SystemStatus is the backend's /api/system/status document.
type SystemStatus struct {
	Version        string  `json:"version"`
	QueueSize      int     `json:"queueSize"`
	SuccessRate    float64 `json:"successRate"`
	PrinterReady   bool    `json:"printerReady"`
	CurrentPrinter string  `json:"currentPrinter"`
}

// QueueStatus is the backend's /api/queue/status document.
type QueueStatus struct {
	QueueSize    int     `json:"queueSize"`
	SuccessRate  float64 `json:"successRate"`
	PrinterReady bool    `json:"printerReady"`
}

// Result is the backend's generic {success, message} answer.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TaskID  string `json:"taskId,omitempty"`
}

// NewTask is the body of AddTask.
type NewTask struct {
	Content     string `json:"content"`
	PrinterName string `json:"printerName,omitempty"`
}

// FetchPendingTasks returns tasks still pending or printing.
func (b *Bridge) FetchPendingTasks(ctx context.Context) ([]tasks.Record, error) {
	var out []tasks.Record
	err := b.call(ctx, http.MethodGet, "/api/tasks/pending", nil, &out)
	return out, err
}

// AddTask submits a print task and returns the created record.
func (b *Bridge) AddTask(ctx context.Context, task NewTask) (tasks.Record, error) {
	var out tasks.Record
	err := b.call(ctx, http.MethodPost, "/api/tasks", task, &out)
	return out, err
}

// CancelTask deletes a task by id.
func (b *Bridge) CancelTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return errors.New("task id must not be empty")
	}
	return b.call(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID), nil, nil)
}

func (b *Bridge) FetchPrinters(ctx context.Context) ([]Printer, error) {
	var out []Printer
	err := b.call(ctx, http.MethodGet, "/api/printers", nil, &out)
	return out, err
}

// SetDefaultPrinter tells the backend which printer to use and, when a
// session store is configured, remembers the choice for the next start.
func (b *Bridge) SetDefaultPrinter(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("printer name must not be empty")
	}
	if err := b.call(ctx, http.MethodPost, "/api/settings/printer", map[string]string{"printerName": name}, nil); err != nil {
		return err
	}
	if b.session != nil {
		if err := b.session.Set(ctx, session.KeyDefaultPrinter, name); err != nil {
			return fmt.Errorf("persist default printer: %w", err)
		}
	}
	return nil
}

func (b *Bridge) SystemStatus(ctx context.Context) (SystemStatus, error) {
	var out SystemStatus
	err := b.call(ctx, http.MethodGet, StatusPath, nil, &out)
	return out, err
}

func (b *Bridge) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var out QueueStatus
	err := b.call(ctx, http.MethodGet, "/api/queue/status", nil, &out)
	return out, err
}

// TestPrint asks the backend to print a test page.
func (b *Bridge) TestPrint(ctx context.Context, content string) (Result, error) {
	var out Result
	err := b.call(ctx, http.MethodPost, "/api/print/test", map[string]string{"content": content}, &out)
	return out, err
}

// ResolvePrinter picks saved when the backend offers it, else the first
// printer, else "".
func ResolvePrinter(printers []Printer, saved string) string {
	if saved != "" {
		for _, p := range printers {
			if p.Name == saved {
				return saved
			}
		}
	}
	if len(printers) > 0 {
		return printers[0].Name
	}
	return ""
}

// call forwards and decodes a JSON answer into out. Non-2xx is an error.
func (b *Bridge) call(ctx context.Context, method, path string, payload, out any) error {
	resp, err := b.Forward(ctx, Request{Method: method, Path: path, Payload: payload})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &RequestError{Method: method, Path: path, Status: resp.StatusCode, Err: fmt.Errorf("%v", resp.Data)}
	}
	if out == nil {
		return nil
	}
	// 204 and empty 200 bodies leave out at its zero value.
	if s, ok := resp.Data.(string); ok && strings.TrimSpace(s) == "" {
		return nil
	}
	// Data was decoded generically; round-trip it into the typed value.
	data, err := json.Marshal(resp.Data)
	if err != nil {
		return &RequestError{Method: method, Path: path, Status: resp.StatusCode, Err: err}
	}
	if s, ok := resp.Data.(string); ok {
		data = []byte(s)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &RequestError{Method: method, Path: path, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Package logger builds the fan-out slog logger used across the engine:
// a JSON file handler, a colorized console handler, and a Wails-event
// handler that republishes log records as frontend events.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

const (
	reset  = "\033[0m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	gray   = "\033[37m"
)

// ConsoleHandler writes short colorized lines to out.
type ConsoleHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleHandler(out io.Writer) *ConsoleHandler {
	return &ConsoleHandler{out: out}
}

func (h *ConsoleHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	color := reset
	switch r.Level {
	case slog.LevelDebug:
		color = gray
	case slog.LevelInfo:
		color = green
	case slog.LevelWarn:
		color = yellow
	case slog.LevelError:
		color = red
	}

	line := fmt.Sprintf("%s%s%s [%s] %s\n", color, r.Level.String()[:4], reset, r.Time.Format(time.TimeOnly), r.Message)
	_, err := h.out.Write([]byte(line))
	return err
}

func (h *ConsoleHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *ConsoleHandler) WithGroup(string) slog.Handler      { return h }

// WailsHandler republishes log records as "log:entry" frontend events
// once a Wails context has been bound (SetContext, called from app
// startup).
type WailsHandler struct {
	mu  sync.Mutex
	ctx context.Context
}

func NewWailsHandler() *WailsHandler { return &WailsHandler{} }

func (h *WailsHandler) SetContext(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctx = ctx
}

func (h *WailsHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *WailsHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	ctx := h.ctx
	h.mu.Unlock()
	if ctx == nil {
		return nil
	}

	data := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})

	runtime.EventsEmit(ctx, "log:entry", map[string]any{
		"level":   r.Level.String(),
		"message": r.Message,
		"time":    r.Time.Format(time.RFC3339),
		"data":    data,
	})
	return nil
}

func (h *WailsHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *WailsHandler) WithGroup(string) slog.Handler      { return h }

// FanoutHandler dispatches every record to each child handler, ignoring
// individual handler errors so one broken sink never silences the others.
type FanoutHandler struct {
	handlers []slog.Handler
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, child := range h.handlers {
		if child.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, child := range h.handlers {
		_ = child.Handle(ctx, r)
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, child := range h.handlers {
		next[i] = child.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: next}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, child := range h.handlers {
		next[i] = child.WithGroup(name)
	}
	return &FanoutHandler{handlers: next}
}

// New builds the fan-out logger: JSON file under the OS config dir,
// colorized console, and a WailsHandler the caller binds to a context
// once the UI is up.
func New(consoleOutput io.Writer) (*slog.Logger, *WailsHandler, error) {
	appData, err := os.UserConfigDir()
	if err != nil {
		return nil, nil, err
	}
	logDir := filepath.Join(appData, "SkyDriveX", "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(filepath.Join(logDir, "app.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	wailsHandler := NewWailsHandler()
	handler := &FanoutHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(f, nil),
		NewConsoleHandler(consoleOutput),
		wailsHandler,
	}}

	return slog.New(handler), wailsHandler, nil
}

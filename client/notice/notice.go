// Package notice carries user-visible notices (toasts and alerts) raised
// at the transport and fetch boundaries.
package notice

import (
	"context"
	"log/slog"
)

// Level is the severity of a notice.
type Level string

const (
	Info    Level = "info"
	Success Level = "success"
	Warning Level = "warning"
	Error   Level = "error"
)

// Notice is a message for the user. Interrupt marks notices that should
// be shown as an alert rather than a passive toast.
type Notice struct {
	Level       Level
	Title       string
	Description string
	Interrupt   bool
}

// Notifier presents notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notice) { f(n) }

// Discard drops every notice.
var Discard Notifier = NotifierFunc(func(Notice) {})

// LogNotifier writes notices to a slog logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(n Notice) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch n.Level {
	case Warning:
		level = slog.LevelWarn
	case Error:
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, n.Title,
		"description", n.Description,
		"interrupt", n.Interrupt)
}

// Recorder keeps notices in memory. Useful in tests.
type Recorder struct {
	ch chan Notice
}

// NewRecorder returns a Recorder buffering up to size notices.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Notice, size)}
}

// Notify implements Notifier. Notices beyond the buffer are dropped.
func (r *Recorder) Notify(n Notice) {
	select {
	case r.ch <- n:
	default:
	}
}

// C returns the channel notices are delivered on.
func (r *Recorder) C() <-chan Notice {
	return r.ch
}

// Drain returns the notices recorded so far.
func (r *Recorder) Drain() []Notice {
	var out []Notice
	for {
		select {
		case n := <-r.ch:
			out = append(out, n)
		default:
			return out
		}
	}
}

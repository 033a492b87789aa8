// Package notify delivers short user-facing notifications ("toasts").
// Delivery is fire-and-forget: senders never block on or observe failures.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Variant styles a notification.
type Variant string

const (
	VariantDefault     Variant = "default"
	VariantDestructive Variant = "destructive"
)

// Notification is a single toast.
type Notification struct {
	Variant     Variant   `json:"variant"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Time        time.Time `json:"time"`
}

// Notifier sends notifications.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier.
type Func func(Notification)

// Notify implements Notifier.
func (f Func) Notify(n Notification) { f(n) }

// Info builds a default notification.
func Info(title, description string) Notification {
	return Notification{Variant: VariantDefault, Title: title, Description: description, Time: time.Now()}
}

// Destructive builds an error notification.
func Destructive(title, description string) Notification {
	return Notification{Variant: VariantDestructive, Title: title, Description: description, Time: time.Now()}
}

// Log writes notifications to a logger.
type Log struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l Log) Notify(n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if n.Variant == VariantDestructive {
		logger.Warn("notification", "title", n.Title, "description", n.Description)
		return
	}
	logger.Info("notification", "title", n.Title, "description", n.Description)
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(n Notification) {
	for _, x := range m {
		if x != nil {
			x.Notify(n)
		}
	}
}

// Recorder keeps every notification it receives. Used in tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

// Notify implements Notifier.
func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// Titles returns the recorded titles in order.
func (r *Recorder) Titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Title
	}
	return out
}

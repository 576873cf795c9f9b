package audit

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
	"github.com/HailBahafi/KeyGuard-sub002/internal/repository"
)

// ErrPermanent marks a sink failure that retrying cannot fix.
var ErrPermanent = errors.New("audit: permanent sink failure")

// Sink stores or forwards audit events.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev *models.AuditEvent) error
}

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, ev *models.AuditEvent) error {
	attrs := []slog.Attr{
		slog.String("id", ev.ID),
		slog.String("event", string(ev.Event)),
		slog.String("outcome", string(ev.Outcome)),
		slog.Time("timestamp", ev.Timestamp),
	}
	if ev.ActorDeviceID != "" {
		attrs = append(attrs, slog.String("actor_device_id", ev.ActorDeviceID))
	}
	if ev.APIKeyID != nil {
		attrs = append(attrs, slog.String("api_key_id", ev.APIKeyID.String()))
	}
	if ev.ReasonCode != "" {
		attrs = append(attrs, slog.String("reason_code", ev.ReasonCode))
	}
	if len(ev.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", ev.Metadata))
	}

	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// RepositorySink persists events through an AuditRepository.
type RepositorySink struct {
	repo repository.AuditRepository
}

// NewRepositorySink creates a RepositorySink.
func NewRepositorySink(repo repository.AuditRepository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

func (s *RepositorySink) Name() string { return "database" }

func (s *RepositorySink) Write(ctx context.Context, ev *models.AuditEvent) error {
	return s.repo.Insert(ctx, ev)
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(_ context.Context, ev *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

// Events returns a snapshot of the recorded events.
func (s *MemorySink) Events() []models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// Find returns recorded events of the given type.
func (s *MemorySink) Find(event models.AuditEventType) []models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.AuditEvent
	for _, ev := range s.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*RepositorySink)(nil)
	_ Sink = (*MemorySink)(nil)
)

package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Redacted replaces secret values in log output.
const Redacted = "[redacted]"

// secretSet is shared by a RedactHandler and the handlers derived from it,
// so a secret added after logger.With still applies.
type secretSet struct {
	mu     sync.RWMutex
	values map[string]struct{}
}

func (s *secretSet) list() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for v := range s.values {
		out = append(out, v)
	}
	return out
}

// RedactHandler scrubs registered secrets, such as the API key, from log
// messages and string, error and group attribute values.
type RedactHandler struct {
	inner   slog.Handler
	secrets *secretSet
}

// NewRedactHandler wraps inner.
func NewRedactHandler(inner slog.Handler) *RedactHandler {
	return &RedactHandler{
		inner:   inner,
		secrets: &secretSet{values: make(map[string]struct{})},
	}
}

// AddSecret registers a value to scrub. Empty values are ignored.
func (h *RedactHandler) AddSecret(value string) {
	if value == "" {
		return
	}
	h.secrets.mu.Lock()
	defer h.secrets.mu.Unlock()
	h.secrets.values[value] = struct{}{}
}

// Redact replaces every registered secret in s.
func (h *RedactHandler) Redact(s string) string {
	return replaceAll(s, h.secrets.list())
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, record slog.Record) error {
	secrets := h.secrets.list()
	if len(secrets) == 0 {
		return h.inner.Handle(ctx, record)
	}

	out := slog.NewRecord(record.Time, record.Level, replaceAll(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return h.inner.Handle(ctx, out)
}

// WithAttrs redacts attrs with the secrets known now; later secrets apply
// only to per-record attributes.
func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	secrets := h.secrets.list()
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = redactAttr(a, secrets)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(scrubbed), secrets: h.secrets}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name), secrets: h.secrets}
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, replaceAll(v.String(), secrets))
	case slog.KindGroup:
		group := v.Group()
		scrubbed := make([]any, len(group))
		for i, g := range group {
			scrubbed[i] = redactAttr(g, secrets)
		}
		return slog.Group(a.Key, scrubbed...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, replaceAll(err.Error(), secrets))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

func replaceAll(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, Redacted)
	}
	return s
}

// Package logging wires structured logging through the store.
//
// Loggers are dependency-injected, never global: every long-lived
// component (backend, base, datasort job, background loop) takes an
// optional *slog.Logger at construction and scopes it once with a
// "component" attribute. A nil logger means discard. Output format,
// level, and destination are decided only by the embedding binary.
//
// Log points are lifecycle boundaries — a base opened or rotated, a
// defrag committed or aborted, an inspection sweep finished. Nothing
// logs inside the per-record read/write/merge loops.
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger.
// Constructors call this on their optional logger parameter before
// scoping it:
//
//	logger = logging.Default(logger).With("component", "blobfile")
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentLevels maps component names to the minimum level their
// records must reach. The embedding binary assembles it once at
// startup (eblobctl builds it from --debug); components it does not
// name log at the handler's default level.
type ComponentLevels map[string]slog.Level

// componentHandler drops records below a minimum level that is bound
// when a component scopes its logger. Every component in this store
// attaches its name exactly once, via With("component", ...) at
// construction, so the level decision is made there — WithAttrs
// resolves the component against the table and bakes the resulting
// minimum into the derived handler. Enabled and Handle are then a
// single integer compare: no map lookup, no record-attribute scan,
// and nothing mutable to synchronize.
//
// A "component" passed as a per-record attribute is deliberately not
// honored; the scope-time contract above is how this codebase logs.
type componentHandler struct {
	next slog.Handler
	min  slog.Level

	defaultLevel slog.Level
	levels       ComponentLevels
}

// NewComponentHandler wraps next with per-component level control.
// The levels table may be nil, leaving every component at
// defaultLevel.
func NewComponentHandler(next slog.Handler, defaultLevel slog.Level, levels ComponentLevels) slog.Handler {
	return &componentHandler{
		next:         next,
		min:          defaultLevel,
		defaultLevel: defaultLevel,
		levels:       levels,
	}
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min && h.next.Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.min {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs binds the component's minimum level when the "component"
// attribute passes through. A nested With that names another
// component rebinds; anything else inherits the current binding.
func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	derived := *h
	derived.next = h.next.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key != "component" {
			continue
		}
		name, ok := a.Value.Resolve().Any().(string)
		if !ok {
			continue
		}
		if min, ok := h.levels[name]; ok {
			derived.min = min
		} else {
			derived.min = h.defaultLevel
		}
	}
	return &derived
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	derived := *h
	derived.next = h.next.WithGroup(name)
	return &derived
}

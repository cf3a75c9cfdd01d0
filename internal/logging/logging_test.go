package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}
	logger.Info("dropped")
	logger.Debug("dropped")
}

func TestDefault(t *testing.T) {
	t.Run("nil returns discard", func(t *testing.T) {
		logger := Default(nil)
		if logger == nil {
			t.Fatal("Default(nil) returned nil")
		}
		if logger.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("Default(nil) should return a discard logger")
		}
	})

	t.Run("non-nil returns same logger", func(t *testing.T) {
		var buf bytes.Buffer
		original := slog.New(slog.NewTextHandler(&buf, nil))
		if Default(original) != original {
			t.Error("Default should return the logger it was given")
		}
	})
}

// newTestLogger builds a component-filtered text logger writing into
// buf, the way eblobctl wires its --debug flag.
func newTestLogger(buf *bytes.Buffer, defaultLevel slog.Level, levels ComponentLevels) *slog.Logger {
	text := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewComponentHandler(text, defaultLevel, levels))
}

func TestComponentHandlerDefaultLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo, nil).With("component", "backend")

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug below default level leaked: %s", buf.String())
	}

	logger.Info("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("info at default level missing, got: %s", buf.String())
	}
}

func TestComponentHandlerPerComponentOverride(t *testing.T) {
	var buf bytes.Buffer
	root := newTestLogger(&buf, slog.LevelInfo, ComponentLevels{
		"datasort": slog.LevelDebug,
	})
	datasortLogger := root.With("component", "datasort")
	backendLogger := root.With("component", "backend")

	datasortLogger.Debug("datasort debug")
	backendLogger.Debug("backend debug")

	out := buf.String()
	if !strings.Contains(out, "datasort debug") {
		t.Errorf("overridden component's debug missing, got: %s", out)
	}
	if strings.Contains(out, "backend debug") {
		t.Errorf("non-overridden component's debug leaked, got: %s", out)
	}
}

func TestComponentHandlerRaisedMinimum(t *testing.T) {
	var buf bytes.Buffer
	root := newTestLogger(&buf, slog.LevelDebug, ComponentLevels{
		"blobfile": slog.LevelWarn,
	})
	logger := root.With("component", "blobfile")

	logger.Info("quieted")
	if buf.Len() != 0 {
		t.Fatalf("info from a warn-floored component leaked: %s", buf.String())
	}
	logger.Warn("loud enough")
	if !strings.Contains(buf.String(), "loud enough") {
		t.Fatalf("warn missing, got: %s", buf.String())
	}
}

func TestComponentHandlerScopedAttrsInherit(t *testing.T) {
	var buf bytes.Buffer
	root := newTestLogger(&buf, slog.LevelInfo, ComponentLevels{
		"datasort": slog.LevelDebug,
	})

	// Further With calls that don't rename the component keep its
	// binding — the shape every per-base/per-job scoped logger takes.
	logger := root.With("component", "datasort").With("out_base", 7)
	logger.Debug("still debug-enabled")
	if !strings.Contains(buf.String(), "still debug-enabled") {
		t.Fatalf("nested With lost the component binding, got: %s", buf.String())
	}
}

func TestComponentHandlerUnknownComponentUsesDefault(t *testing.T) {
	var buf bytes.Buffer
	root := newTestLogger(&buf, slog.LevelInfo, ComponentLevels{
		"datasort": slog.LevelDebug,
	})
	logger := root.With("component", "never-configured")

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("unknown component did not fall back to default level: %s", buf.String())
	}
}

func TestComponentHandlerNoComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo, ComponentLevels{
		"datasort": slog.LevelDebug,
	})

	logger.Debug("hidden")
	logger.Info("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("unscoped debug leaked, got: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("unscoped info missing, got: %s", out)
	}
}

func TestComponentHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	root := newTestLogger(&buf, slog.LevelInfo, ComponentLevels{
		"datasort": slog.LevelDebug,
	})
	logger := root.With("component", "datasort").WithGroup("job")

	logger.Debug("grouped debug")
	if !strings.Contains(buf.String(), "grouped debug") {
		t.Fatalf("WithGroup dropped the component binding, got: %s", buf.String())
	}
}

func TestComponentHandlerEnabled(t *testing.T) {
	var buf bytes.Buffer
	root := newTestLogger(&buf, slog.LevelInfo, ComponentLevels{
		"datasort": slog.LevelDebug,
	})

	ctx := context.Background()
	if root.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug should be disabled before any component binds")
	}
	if !root.With("component", "datasort").Enabled(ctx, slog.LevelDebug) {
		t.Error("debug should be enabled once the overridden component binds")
	}
}

package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestCLIHandlerFormatsAttributes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelInfo).With("component", "runner").WithGroup("recipe")
	logger.Info("step failed", "id", "gmp", "error", errors.New("exit status 2"))
	logger.Debug("hidden")

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected one line, got %q", out)
	}
	for _, fragment := range []string{"INFO", "| step failed", "component=runner", "recipe.id=gmp", `recipe.error="exit status 2"`} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("output %q misses %q", out, fragment)
		}
	}
}

func TestJSONMode(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	New(ModeJSON, &buf, slog.LevelDebug).Debug("fetched", "dependency", "zlib")
	if !strings.Contains(buf.String(), `"dependency":"zlib"`) {
		t.Fatalf("unexpected json output %q", buf.String())
	}
}

func TestParseModeAndLevel(t *testing.T) {
	t.Parallel()

	if mode, err := ParseMode("JSON"); err != nil || mode != ModeJSON {
		t.Fatalf("ParseMode(JSON) = %v, %v", mode, err)
	}
	if _, err := ParseMode("xml"); err == nil {
		t.Fatalf("ParseMode(xml) succeeded")
	}
	if level, err := ParseLevel("warning"); err != nil || level != slog.LevelWarn {
		t.Fatalf("ParseLevel(warning) = %v, %v", level, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("ParseLevel(loud) succeeded")
	}
}

func TestCLIHandlerNestsGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, nil).WithGroup("plan").With("recipes", 7).WithGroup("recipe")
	logger.Warn("skipped", "id", "zlib", slog.Group("", "outputs", 2))

	out := buf.String()
	for _, fragment := range []string{"WARN ", "plan.recipes=7", "plan.recipe.id=zlib", "plan.recipe.outputs=2"} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("output %q misses %q", out, fragment)
		}
	}
}

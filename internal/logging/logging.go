package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mode controls the handler style used when constructing a logger.
type Mode int

const (
	// ModeCLI renders records as one terse line each, for terminals.
	ModeCLI Mode = iota
	// ModeJSON renders records as JSON, for log shippers and CI.
	ModeJSON
)

func (m Mode) String() string {
	if m == ModeJSON {
		return "json"
	}
	return "text"
}

// ParseMode maps a --log-format value onto a Mode.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "text", "cli", "console":
		return ModeCLI, nil
	case "json":
		return ModeJSON, nil
	default:
		return ModeCLI, fmt.Errorf("unsupported log format %q (supported: text, json)", value)
	}
}

// ParseLevel maps a --log-level value onto a slog level.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q (supported: debug, info, warn, error)", value)
	}
}

// New returns a logger writing to w in the given mode. A nil level means info.
func New(mode Mode, w io.Writer, level slog.Leveler) *slog.Logger {
	if level == nil {
		level = slog.LevelInfo
	}
	if mode == ModeJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&cliHandler{writer: w, level: level, mu: &sync.Mutex{}})
}

// NewCLI returns a text logger for terminals.
func NewCLI(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeCLI, w, level)
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// Component returns logger tagged with the component attribute.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return Ensure(logger).With("component", name)
}

// cliHandler writes "LEVEL hh:mm:ss | message key=value ...". Attributes
// added through With are rendered once, with the group prefix active at
// that time.
type cliHandler struct {
	writer io.Writer
	level  slog.Leveler
	mu     *sync.Mutex

	preformatted string
	prefix       string
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}

	var line strings.Builder
	fmt.Fprintf(&line, "%-5s %s | %s%s", record.Level, at.Format("15:04:05"), record.Message, h.preformatted)
	record.Attrs(func(attr slog.Attr) bool {
		writeAttr(&line, h.prefix, attr)
		return true
	})
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, line.String())
	return err
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var rendered strings.Builder
	for _, attr := range attrs {
		writeAttr(&rendered, h.prefix, attr)
	}
	clone := *h
	clone.preformatted += rendered.String()
	return &clone
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix += name + "."
	return &clone
}

func writeAttr(line *strings.Builder, prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}
	if attr.Value.Kind() == slog.KindGroup {
		if attr.Key != "" {
			prefix += attr.Key + "."
		}
		for _, child := range attr.Value.Group() {
			writeAttr(line, prefix, child)
		}
		return
	}
	fmt.Fprintf(line, " %s%s=%s", prefix, attr.Key, formatValue(attr.Value))
}

func formatValue(value slog.Value) string {
	var text string
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().Round(time.Millisecond).String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			text = err.Error()
		} else {
			text = fmt.Sprint(value.Any())
		}
	default:
		text = value.String()
	}

	if text == "" || strings.ContainsAny(text, " \t\n\"=") {
		return strconv.Quote(text)
	}
	return text
}

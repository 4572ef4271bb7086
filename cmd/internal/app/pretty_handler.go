package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset   = "\x1b[0m"
	ansiDim     = "\x1b[2m"
	ansiBright  = "\x1b[1m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// prettyHandler renders one key=value line per record for local development.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(applyDim(ts.Format("15:04:05.000"), h.color))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	b.WriteString(applyBold(r.Message, h.color))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(applyDim(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), h.color))
		}
	}

	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, "")
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}
	if len(h.groups) > 0 && parent == "" {
		fullKey = strings.Join(h.groups, ".") + "." + fullKey
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, fullKey)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(remapPrettyKey(fullKey))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(fullKey, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return colorize(strings.ToUpper(v.String()), ansiMagenta, h.color)
	case "path":
		return colorize(v.String(), ansiCyan, h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorize(strconv.FormatInt(n, 10), statusColor(int(n)), h.color)
		}
	case "status_class":
		return colorize(v.String(), classColor(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorize(strconv.FormatInt(n, 10)+"ms", durationColor(n), h.color)
		}
	case "result":
		return colorize(v.String(), classColor(v.String()), h.color)
	}

	// Values may carry escape codes from user input; never forward them raw.
	return quoteIfNeeded(stripANSI(valueToString(v)))
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	return ansiPattern.ReplaceAllString(s, "")
}

func statusColor(code int) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	case code >= 300:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func classColor(s string) string {
	switch s {
	case "5xx", "server_error":
		return ansiRed
	case "4xx", "client_error":
		return ansiYellow
	case "3xx", "redirect":
		return ansiCyan
	default:
		return ansiGreen
	}
}

func durationColor(ms int64) string {
	switch {
	case ms >= 1000:
		return ansiRed
	case ms >= 250:
		return ansiYellow
	default:
		return ansiGreen
	}
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return colorize("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return colorize("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return colorize("[DEBUG]", ansiMagenta, color)
	default:
		return colorize("[INFO]", ansiBlue, color)
	}
}

func colorize(s, code string, color bool) string {
	if !color {
		return s
	}
	return code + s + ansiReset
}

func applyDim(s string, color bool) string { return colorize(s, ansiDim, color) }

func applyBold(s string, color bool) string { return colorize(s, ansiBright, color) }

package logsink

import (
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// SourceKey is the attribute key rendered as the bracketed source.
const SourceKey = "source"

const timeLayout = "02/01/2006 15:04:05"

// bandLevels are the canonical levels of the five routing bands.
var bandLevels = [5]slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError, LevelFatal}

var bandLabels = [5]string{"DEBUG", "INFO", "WARNING", "ERROR", "FATAL"}

// band maps a level to its routing band. Levels between the canonical ones
// round down.
func band(l slog.Level) int {
	switch {
	case l < slog.LevelInfo:
		return 0
	case l < slog.LevelWarn:
		return 1
	case l < slog.LevelError:
		return 2
	case l < LevelFatal:
		return 3
	default:
		return 4
	}
}

func levelLabel(l slog.Level) string { return bandLabels[band(l)] }

// qualify prefixes a's key with the open groups.
func qualify(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 || a.Key == "" {
		return a
	}
	a.Key = strings.Join(groups, ".") + "." + a.Key
	return a
}

// format renders one log line, newline included.
func format(e entry) string {
	var source string
	var b strings.Builder

	var rest strings.Builder
	emit := func(a slog.Attr) {
		if source == "" && a.Key == SourceKey && a.Value.Kind() == slog.KindString {
			source = a.Value.String()
			return
		}
		appendAttr(&rest, "", a)
	}
	for _, a := range e.attrs {
		emit(a)
	}
	e.rec.Attrs(func(a slog.Attr) bool {
		emit(qualify(e.groups, a))
		return true
	})

	b.WriteString(e.rec.Time.Format(timeLayout))
	b.WriteByte(' ')
	label := levelLabel(e.rec.Level)
	b.WriteString(label)
	b.WriteString(strings.Repeat(" ", max(8-len(label), 1)))
	if source != "" {
		b.WriteByte('[')
		b.WriteString(source)
		b.WriteString("] ")
	}
	b.WriteString(e.rec.Message)
	b.WriteString(rest.String())
	b.WriteByte('\n')
	return b.String()
}

// appendAttr writes " key=value", flattening groups into dotted keys.
func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	} else if key == "" {
		key = prefix
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			appendAttr(b, key, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(formatValue(a.Value))
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if needsQuote(s) {
			return strconv.Quote(s)
		}
		return s
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		s := v.String()
		if needsQuote(s) {
			return strconv.Quote(s)
		}
		return s
	}
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if unicode.IsSpace(r) || r == '"' || r == '=' || !unicode.IsPrint(r) {
			return true
		}
	}
	return false
}

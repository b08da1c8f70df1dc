package logsink

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/text/encoding/unicode"
)

var testTime = time.Date(2026, 10, 19, 14, 3, 7, 0, time.UTC)

func TestFormat(t *testing.T) {
	tests := []struct {
		name   string
		level  slog.Level
		msg    string
		attrs  []slog.Attr
		groups []string
		rec    []slog.Attr
		want   string
	}{
		{
			name:  "source and attr",
			level: slog.LevelWarn,
			msg:   "pool exhausted",
			attrs: []slog.Attr{Source("queue")},
			rec:   []slog.Attr{slog.Int("capacity", 3)},
			want:  "19/10/2026 14:03:07 WARNING [queue] pool exhausted capacity=3\n",
		},
		{
			name:  "no source",
			level: slog.LevelInfo,
			msg:   "started",
			want:  "19/10/2026 14:03:07 INFO    started\n",
		},
		{
			name:   "groups and quoting",
			level:  slog.LevelDebug,
			msg:    "resized",
			groups: []string{"frame"},
			rec:    []slog.Attr{slog.String("size", "64 x 48"), slog.Group("fence", slog.Uint64("value", 7))},
			want:   "19/10/2026 14:03:07 DEBUG   resized frame.size=\"64 x 48\" frame.fence.value=7\n",
		},
		{
			name:  "fatal",
			level: LevelFatal,
			msg:   "device lost",
			rec:   []slog.Attr{Source("worker"), slog.Any("err", errors.New("boom"))},
			want:  "19/10/2026 14:03:07 FATAL   [worker] device lost err=boom\n",
		},
		{
			name:  "between levels rounds down",
			level: slog.LevelWarn + 2,
			msg:   "x",
			want:  "19/10/2026 14:03:07 WARNING x\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := slog.NewRecord(testTime, tt.level, tt.msg, 0)
			r.AddAttrs(tt.rec...)
			got := format(entry{rec: r, attrs: tt.attrs, groups: tt.groups})
			if got != tt.want {
				t.Errorf("format() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

// exitRecorder captures Config.Exit calls.
type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestSink_DefaultRouting(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	var exits exitRecorder

	sink, err := New(Config{Dir: dir, Console: &console, Exit: exits.exit})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log := slog.New(sink.Handler()).With(Source("test"))
	log.Debug("debug line")
	log.Info("info line")
	log.Warn("warn line")
	log.Error("error line")
	Fatal(log, "fatal line")

	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := console.String()
	for _, want := range []string{"DEBUG   [test] debug line", "INFO    [test] info line", "WARNING [test] warn line", "ERROR   [test] error line"} {
		if !strings.Contains(out, want) {
			t.Errorf("console missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "fatal line") {
		t.Error("fatal record reached the console")
	}

	temp := readFile(t, filepath.Join(dir, TempFileName))
	if !strings.Contains(temp, "warn line") || !strings.Contains(temp, "error line") {
		t.Errorf("temp log missing warn/error:\n%s", temp)
	}
	if strings.Contains(temp, "info line") || strings.Contains(temp, "fatal line") {
		t.Errorf("temp log has records outside its bands:\n%s", temp)
	}

	perm := readFile(t, filepath.Join(dir, PermFileName))
	if !strings.Contains(perm, "FATAL   [test] fatal line") || !strings.Contains(perm, "Process termination requested") {
		t.Errorf("perm log = %q", perm)
	}
	if len(exits.codes) != 1 || exits.codes[0] != 1 {
		t.Errorf("exit codes = %v, want [1]", exits.codes)
	}
	if sink.Written() != 5 {
		t.Errorf("Written() = %d, want 5", sink.Written())
	}
}

func TestSink_TempTruncatedPermAppended(t *testing.T) {
	dir := t.TempDir()
	routes := map[slog.Level]Action{
		slog.LevelInfo: ActionTempFile | ActionPermFile,
		LevelFatal:     ActionNone,
	}
	for _, msg := range []string{"first run", "second run"} {
		sink, err := New(Config{Dir: dir, Console: &bytes.Buffer{}, Routes: routes})
		if err != nil {
			t.Fatal(err)
		}
		slog.New(sink.Handler()).Info(msg)
		if err := sink.Close(); err != nil {
			t.Fatal(err)
		}
	}

	temp := readFile(t, filepath.Join(dir, TempFileName))
	if strings.Contains(temp, "first run") || !strings.Contains(temp, "second run") {
		t.Errorf("temp log was not truncated:\n%s", temp)
	}
	perm := readFile(t, filepath.Join(dir, PermFileName))
	if !strings.Contains(perm, "first run") || !strings.Contains(perm, "second run") {
		t.Errorf("perm log was not appended:\n%s", perm)
	}
}

func TestSink_UTF16(t *testing.T) {
	dir := t.TempDir()
	routes := map[slog.Level]Action{
		slog.LevelError: ActionTempFile | ActionPermFile,
		LevelFatal:      ActionNone,
	}
	for range 2 {
		sink, err := New(Config{Dir: dir, Console: &bytes.Buffer{}, Routes: routes, UTF16: true})
		if err != nil {
			t.Fatal(err)
		}
		slog.New(sink.Handler()).Error("gpu lost", Source("fence"))
		if err := sink.Close(); err != nil {
			t.Fatal(err)
		}
	}

	decode := func(name string) string {
		t.Helper()
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.HasPrefix(raw, []byte{0xFF, 0xFE}) {
			t.Fatalf("%s does not start with a UTF-16LE BOM: % x", name, raw[:min(len(raw), 4)])
		}
		text, err := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder().Bytes(raw)
		if err != nil {
			t.Fatalf("decode %s: %v", name, err)
		}
		return string(text)
	}

	temp := decode(TempFileName)
	if strings.Count(temp, "[fence] gpu lost") != 1 {
		t.Errorf("temp log = %q, want one line", temp)
	}
	perm := decode(PermFileName)
	if strings.Count(perm, "[fence] gpu lost") != 2 {
		t.Errorf("perm log = %q, want two lines", perm)
	}
	if strings.ContainsRune(perm, '\uFEFF') {
		t.Error("perm log has a second BOM after reopening")
	}
}

func TestSink_Enabled(t *testing.T) {
	sink, err := New(Config{
		Console: &bytes.Buffer{},
		Level:   slog.LevelInfo,
		Routes: map[slog.Level]Action{
			slog.LevelWarn:  ActionNone,
			slog.LevelError: ActionConsole,
			LevelFatal:      ActionConsole,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	h := sink.Handler()
	ctx := context.Background()
	tests := []struct {
		level slog.Level
		want  bool
	}{
		{slog.LevelDebug, false},
		{slog.LevelInfo, true},
		{slog.LevelWarn, false},
		{slog.LevelError, true},
		{LevelFatal, true},
	}
	for _, tt := range tests {
		if got := h.Enabled(ctx, tt.level); got != tt.want {
			t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

// gatedWriter blocks every write until the gate is closed.
type gatedWriter struct {
	gate chan struct{}
	mu   sync.Mutex
	buf  bytes.Buffer
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	<-w.gate
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestSink_DropsWhenFull(t *testing.T) {
	w := &gatedWriter{gate: make(chan struct{})}
	consoleOnly := map[slog.Level]Action{
		slog.LevelWarn:  ActionConsole,
		slog.LevelError: ActionConsole,
		LevelFatal:      ActionConsole,
	}
	sink, err := New(Config{Console: w, Routes: consoleOnly, BufferSize: 1})
	if err != nil {
		t.Fatal(err)
	}

	const total = 50
	log := slog.New(sink.Handler())
	for i := range total {
		log.Info("burst", "i", i)
	}
	close(w.gate)
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	if sink.Dropped() == 0 {
		t.Fatal("no records dropped with a blocked writer")
	}
	if got := sink.Written() + sink.Dropped(); got != total {
		t.Errorf("written %d + dropped %d = %d, want %d", sink.Written(), sink.Dropped(), got, total)
	}
	if !strings.Contains(w.buf.String(), "records dropped") {
		t.Errorf("console missing drop summary:\n%s", w.buf.String())
	}
}

func TestSink_Closed(t *testing.T) {
	sink, err := New(Config{Console: &bytes.Buffer{}, Routes: map[slog.Level]Action{
		slog.LevelWarn:  ActionConsole,
		slog.LevelError: ActionConsole,
		LevelFatal:      ActionConsole,
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	r := slog.NewRecord(testTime, slog.LevelInfo, "late", 0)
	if err := sink.Handler().Handle(context.Background(), r); !errors.Is(err, ErrClosed) {
		t.Errorf("Handle after Close error = %v, want ErrClosed", err)
	}
}

func TestHandler_WithAttrsAndGroup(t *testing.T) {
	var console bytes.Buffer
	sink, err := New(Config{Console: &console, Routes: map[slog.Level]Action{
		slog.LevelWarn:  ActionConsole,
		slog.LevelError: ActionConsole,
		LevelFatal:      ActionConsole,
	}})
	if err != nil {
		t.Fatal(err)
	}

	log := slog.New(sink.Handler()).With(Source("frame")).WithGroup("buf").With("index", 2)
	log.Info("presented", "ok", true)
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	want := "[frame] presented buf.index=2 buf.ok=true\n"
	if !strings.HasSuffix(console.String(), want) {
		t.Errorf("console = %q, want suffix %q", console.String(), want)
	}
}

// Package logsink is an asynchronous slog.Handler that routes records by
// level to the console, a per-run log file, a permanent log file, and
// process termination.
//
// Lines have the form
//
//	19/10/2026 14:03:07 WARNING [queue] pool exhausted capacity=3
//
// Typical setup:
//
//	sink, err := logsink.New(logsink.Config{Dir: "Log"})
//	if err != nil {
//	    return err
//	}
//	defer sink.Close()
//	cmdqueue.SetLogger(slog.New(sink.Handler()))
package logsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// LevelFatal is above slog.LevelError. Records at this level are routed to
// the permanent log and, by default, terminate the process.
const LevelFatal = slog.LevelError + 4

// Action is a set of destinations for a record.
type Action uint8

const (
	// ActionConsole writes to Config.Console.
	ActionConsole Action = 1 << iota

	// ActionTempFile writes to the per-run log, truncated by New.
	ActionTempFile

	// ActionPermFile appends to the permanent log.
	ActionPermFile

	// ActionKill flushes the files and calls Config.Exit(1).
	ActionKill

	// ActionNone discards the record.
	ActionNone Action = 0
)

// File names inside Config.Dir.
const (
	TempFileName = "tempLog.log"
	PermFileName = "permLog.log"
)

// DefaultBufferSize is the queue length used when Config.BufferSize is zero.
const DefaultBufferSize = 256

// ErrClosed is returned by Handle after Close.
var ErrClosed = errors.New("logsink: closed")

// DefaultRoutes is the routing table used for levels missing from
// Config.Routes.
var DefaultRoutes = map[slog.Level]Action{
	slog.LevelDebug: ActionConsole,
	slog.LevelInfo:  ActionConsole,
	slog.LevelWarn:  ActionConsole | ActionTempFile,
	slog.LevelError: ActionConsole | ActionTempFile,
	LevelFatal:      ActionPermFile | ActionKill,
}

// Config configures a Sink.
type Config struct {
	// Dir holds the log files. An empty Dir selects a "Log" directory next
	// to the running executable. Dir is created if missing.
	Dir string

	// Console receives ActionConsole lines. Defaults to os.Stderr.
	Console io.Writer

	// Level is the minimum level handled. Defaults to slog.LevelDebug.
	Level slog.Leveler

	// Routes overrides DefaultRoutes per level band.
	Routes map[slog.Level]Action

	// BufferSize is the number of records queued before new ones are
	// dropped. Fatal records are never dropped.
	BufferSize int

	// UTF16 writes the files as UTF-16LE with a byte order mark instead of
	// UTF-8. The console is always UTF-8.
	UTF16 bool

	// Exit is called by ActionKill. Defaults to os.Exit.
	Exit func(code int)

	// Now stamps records with a zero time. Defaults to time.Now.
	Now func() time.Time
}

// Sink owns the worker goroutine and the log files.
type Sink struct {
	console io.Writer
	level   slog.Leveler
	routes  [5]Action
	exit    func(int)
	now     func() time.Time

	temp *logFile
	perm *logFile

	mu      sync.RWMutex
	closed  bool
	entries chan entry
	done    chan struct{}

	dropped atomic.Uint64
	written atomic.Uint64
	errOnce sync.Once
	err     error
}

// entry is one queued record with the handler state it was logged through.
type entry struct {
	rec    slog.Record
	attrs  []slog.Attr
	groups []string
}

// New opens the log files and starts the worker.
func New(cfg Config) (*Sink, error) {
	s := &Sink{
		console: cfg.Console,
		level:   cfg.Level,
		exit:    cfg.Exit,
		now:     cfg.Now,
	}
	if s.console == nil {
		s.console = os.Stderr
	}
	if s.level == nil {
		s.level = slog.LevelDebug
	}
	if s.exit == nil {
		s.exit = os.Exit
	}
	if s.now == nil {
		s.now = time.Now
	}
	for i, lvl := range bandLevels {
		a, ok := cfg.Routes[lvl]
		if !ok {
			a = DefaultRoutes[lvl]
		}
		s.routes[i] = a
	}

	var needTemp, needPerm bool
	for _, a := range s.routes {
		needTemp = needTemp || a&ActionTempFile != 0
		needPerm = needPerm || a&(ActionPermFile|ActionKill) != 0
	}
	if needTemp || needPerm {
		dir, err := logDir(cfg.Dir)
		if err != nil {
			return nil, err
		}
		var enc *encoding.Encoder
		if cfg.UTF16 {
			enc = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
		}
		if needTemp {
			if s.temp, err = openLogFile(filepath.Join(dir, TempFileName), true, enc); err != nil {
				return nil, err
			}
		}
		if needPerm {
			if s.perm, err = openLogFile(filepath.Join(dir, PermFileName), false, enc); err != nil {
				if s.temp != nil {
					_ = s.temp.close()
				}
				return nil, err
			}
		}
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	s.entries = make(chan entry, size)
	s.done = make(chan struct{})
	go s.run()
	return s, nil
}

// logDir resolves and creates the log directory.
func logDir(dir string) (string, error) {
	if dir == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("logsink: locate executable: %w", err)
		}
		dir = filepath.Join(filepath.Dir(exe), "Log")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("logsink: create log directory: %w", err)
	}
	return dir, nil
}

// Handler returns a slog.Handler feeding the sink.
func (s *Sink) Handler() slog.Handler { return &handler{sink: s} }

// Dropped returns the number of records discarded because the queue was
// full.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Written returns the number of records the worker has routed.
func (s *Sink) Written() uint64 { return s.written.Load() }

// Close drains queued records, stops the worker and closes the files.
// It returns the first write error seen by the worker, if any. Close is
// idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return s.err
	}
	s.closed = true
	close(s.entries)
	s.mu.Unlock()

	<-s.done

	if n := s.dropped.Load(); n > 0 {
		fmt.Fprintf(s.console, "%s %-8s[logsink] %d records dropped\n",
			s.now().Format(timeLayout), levelLabel(slog.LevelWarn), n)
	}
	for _, f := range []*logFile{s.temp, s.perm} {
		if f != nil {
			s.setErr(f.close())
		}
	}
	return s.err
}

// enqueue hands a record to the worker. Fatal records wait for room.
func (s *Sink) enqueue(e entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if e.rec.Level >= LevelFatal {
		s.entries <- e
		return nil
	}
	select {
	case s.entries <- e:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.entries {
		s.route(e)
	}
}

// route formats one record and sends it to every destination of its band.
func (s *Sink) route(e entry) {
	action := s.routes[band(e.rec.Level)]
	if action == ActionNone {
		return
	}
	if e.rec.Time.IsZero() {
		e.rec.Time = s.now()
	}
	line := format(e)
	s.written.Add(1)

	if action&ActionConsole != 0 {
		_, err := io.WriteString(s.console, line)
		s.setErr(err)
	}
	if action&ActionTempFile != 0 && s.temp != nil {
		s.setErr(s.temp.write(line))
	}
	if action&ActionPermFile != 0 && s.perm != nil {
		s.setErr(s.perm.write(line))
	}
	if action&ActionKill != 0 {
		if s.perm != nil {
			s.setErr(s.perm.write("Process termination requested due to " + line))
		}
		for _, f := range []*logFile{s.temp, s.perm} {
			if f != nil {
				s.setErr(f.sync())
			}
		}
		s.exit(1)
	}
}

func (s *Sink) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.err = fmt.Errorf("logsink: %w", err) })
}

// logFile is an open log file with an optional text encoder.
type logFile struct {
	mu  sync.Mutex
	f   *os.File
	enc *encoding.Encoder
}

// openLogFile opens path, truncating it when truncate is set. A UTF-16
// file gets a byte order mark when it starts out empty.
func openLogFile(path string, truncate bool, enc *encoding.Encoder) (*logFile, error) {
	flag := os.O_WRONLY | os.O_CREATE
	if truncate {
		flag |= os.O_TRUNC
	} else {
		flag |= os.O_APPEND
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %s: %w", path, err)
	}
	lf := &logFile{f: f, enc: enc}
	if enc != nil {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("logsink: stat %s: %w", path, err)
		}
		if info.Size() == 0 {
			if _, err := f.Write(utf16LEBOM); err != nil {
				f.Close()
				return nil, fmt.Errorf("logsink: write %s: %w", path, err)
			}
		}
	}
	return lf, nil
}

var utf16LEBOM = []byte{0xFF, 0xFE}

func (lf *logFile) write(line string) error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	data := []byte(line)
	if lf.enc != nil {
		var err error
		if data, err = lf.enc.Bytes(data); err != nil {
			return err
		}
	}
	_, err := lf.f.Write(data)
	return err
}

func (lf *logFile) sync() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.f.Sync()
}

func (lf *logFile) close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.f.Close()
}

// handler is the slog.Handler view of a Sink.
type handler struct {
	sink   *Sink
	attrs  []slog.Attr
	groups []string
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.sink.level.Level() && h.sink.routes[band(level)] != ActionNone
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	return h.sink.enqueue(entry{rec: r.Clone(), attrs: h.attrs, groups: h.groups})
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		h2.attrs = append(h2.attrs, qualify(h.groups, a))
	}
	return &h2
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string(nil), h.groups...), name)
	return &h2
}

// Source returns the attribute shown in brackets before the message.
func Source(name string) slog.Attr { return slog.String(SourceKey, name) }

// Fatal logs msg at LevelFatal.
func Fatal(l *slog.Logger, msg string, args ...any) {
	l.Log(context.Background(), LevelFatal, msg, args...)
}

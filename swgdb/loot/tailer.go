package loot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// LineHandler receives batches of complete lines read by a Tailer.
type LineHandler func(ctx context.Context, lines []string) error

// Tailer follows a chat log file. It reacts to fsnotify write events and
// polls on an interval as a fallback, so it keeps working on filesystems
// that do not deliver notifications.
type Tailer struct {
	path      string
	poll      time.Duration
	fromStart bool
	handle    LineHandler
	logger    *zap.Logger

	file    *os.File
	offset  int64
	partial []byte
}

// NewTailer creates a Tailer for path. When fromStart is false only lines
// written after Run starts are delivered.
func NewTailer(path string, poll time.Duration, fromStart bool, handle LineHandler, logger *zap.Logger) *Tailer {
	if poll <= 0 {
		poll = time.Second
	}
	return &Tailer{
		path:      filepath.Clean(path),
		poll:      poll,
		fromStart: fromStart,
		handle:    handle,
		logger:    logger,
	}
}

// Run tails the file until ctx is cancelled.
func (t *Tailer) Run(ctx context.Context) error {
	if err := t.open(!t.fromStart); err != nil {
		return err
	}
	defer func() {
		if t.file != nil {
			t.file.Close()
		}
	}()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(t.path)); err != nil {
			t.logger.Warn("loot tailer: watch failed, polling only", zap.String("path", t.path), zap.Error(err))
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	} else {
		t.logger.Warn("loot tailer: fsnotify unavailable, polling only", zap.Error(err))
	}

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	t.step(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == t.path && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				t.step(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.logger.Warn("loot tailer: watcher error", zap.Error(err))
		case <-ticker.C:
			t.step(ctx)
		}
	}
}

func (t *Tailer) step(ctx context.Context) {
	lines, err := t.readNew()
	if err != nil {
		t.logger.Warn("loot tailer: read failed", zap.String("path", t.path), zap.Error(err))
		return
	}
	// A rotated or fromStart read can hold more lines than one ingest batch.
	for len(lines) > 0 && ctx.Err() == nil {
		n := min(len(lines), maxIngestLines)
		if err := t.handle(ctx, lines[:n]); err != nil {
			t.logger.Error("loot tailer: handler failed", zap.Int("lines", n), zap.Error(err))
		}
		lines = lines[n:]
	}
}

func (t *Tailer) open(seekEnd bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("loot tailer: open %s: %w", t.path, err)
	}
	t.file, t.offset, t.partial = f, 0, nil
	if seekEnd {
		pos, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			t.file = nil
			return fmt.Errorf("loot tailer: seek end: %w", err)
		}
		t.offset = pos
	}
	return nil
}

// readNew returns the complete lines appended since the last call. A
// trailing line without a newline is held back until it is finished.
func (t *Tailer) readNew() ([]string, error) {
	// The game client rotates by recreating the file.
	if pathStat, err := os.Stat(t.path); err == nil {
		if fileStat, err := t.file.Stat(); err != nil || !os.SameFile(fileStat, pathStat) {
			t.file.Close()
			if err := t.open(false); err != nil {
				return nil, err
			}
		}
	}

	stat, err := t.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if stat.Size() < t.offset {
		t.offset, t.partial = 0, nil
	}
	if stat.Size() == t.offset {
		return nil, nil
	}

	chunk := make([]byte, stat.Size()-t.offset)
	n, err := t.file.ReadAt(chunk, t.offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read: %w", err)
	}
	t.offset += int64(n)

	data := append(t.partial, chunk[:n]...)
	idx := bytes.LastIndexByte(data, '\n')
	if idx < 0 {
		t.partial = data
		return nil, nil
	}
	t.partial = append([]byte(nil), data[idx+1:]...)

	var lines []string
	for _, l := range strings.Split(string(data[:idx]), "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
	}
	return lines, nil
}

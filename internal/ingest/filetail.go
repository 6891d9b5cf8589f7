package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"noisemon/internal/config"
	"noisemon/internal/model"
)

// StartFileTail follows every configured file, one goroutine per file.
// Truncated or replaced files are reopened from the start.
func StartFileTail(ctx context.Context, cfg *config.Manager, out chan<- model.Record, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		t := &tailer{path: path, startAtEnd: current.StartAtEnd, cfg: cfg, parser: NewParser(), out: out, logger: logger}
		go t.run(ctx)
	}
}

type tailer struct {
	path       string
	startAtEnd bool
	cfg        *config.Manager
	parser     *Parser
	out        chan<- model.Record
	logger     *slog.Logger
}

func (t *tailer) run(ctx context.Context) {
	first := true
	for ctx.Err() == nil {
		file, err := os.Open(t.path)
		if err != nil {
			if t.logger != nil && !errors.Is(err, os.ErrNotExist) {
				t.logger.Warn("tail open failed", "path", t.path, "err", err)
			}
			if !BackoffSleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		var offset int64
		if first && t.startAtEnd {
			if pos, err := file.Seek(0, io.SeekEnd); err == nil {
				offset = pos
			}
		}
		first = false
		t.follow(ctx, file, offset)
		_ = file.Close()
	}
}

// follow reads file until ctx is done or the file is rotated away.
func (t *tailer) follow(ctx context.Context, file *os.File, offset int64) {
	reader := bufio.NewReader(file)
	var partial []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			offset += int64(len(chunk))
			partial = append(partial, chunk...)
		}
		if err == nil {
			handleLine(ctx, string(partial), "file tail", t.parser, t.cfg, t.out, t.logger)
			partial = partial[:0]
			continue
		}
		if !errors.Is(err, io.EOF) {
			if t.logger != nil {
				t.logger.Warn("tail read error", "path", t.path, "err", err)
			}
			return
		}
		if !BackoffSleep(ctx, 200*time.Millisecond) {
			return
		}
		if t.rotated(file, offset) {
			if t.logger != nil {
				t.logger.Info("tail file rotated", "path", t.path)
			}
			return
		}
	}
}

func (t *tailer) rotated(file *os.File, offset int64) bool {
	info, err := os.Stat(t.path)
	if err != nil {
		return true
	}
	if info.Size() < offset {
		return true
	}
	open, err := file.Stat()
	if err != nil {
		return true
	}
	return !os.SameFile(info, open)
}

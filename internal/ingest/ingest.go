package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"noisemon/internal/config"
	"noisemon/internal/model"
	"noisemon/internal/normalize"
)

func SendNonBlocking(ctx context.Context, out chan<- model.Record, rec model.Record, logger *slog.Logger) bool {
	select {
	case out <- rec:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("record channel full, dropping record", "source", rec.Source, "timestamp", rec.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleLine parses, normalizes and forwards one line. via names the adapter
// in log messages.
func handleLine(ctx context.Context, line, via string, parser *Parser, cfg *config.Manager, out chan<- model.Record, logger *slog.Logger) {
	fields, err := parser.ParseLine(line)
	if err != nil || fields == nil {
		if err != nil && logger != nil {
			logger.Debug(via+" parse error", "err", err)
		}
		return
	}
	rec, err := normalize.Normalize(*fields, cfg.Get())
	if err != nil {
		if logger != nil {
			logger.Warn(via+" normalize error", "err", err)
		}
		return
	}
	SendNonBlocking(ctx, out, rec, logger)
}

var errChannelFull = errors.New("record channel full")

package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"noisemon/internal/config"
	"noisemon/internal/model"
	"noisemon/internal/normalize"
)

type RESTServer struct {
	cfg    *config.Manager
	out    chan<- model.Record
	logger *slog.Logger
}

func NewRESTServer(cfg *config.Manager, out chan<- model.Record, logger *slog.Logger) *RESTServer {
	return &RESTServer{cfg: cfg, out: out, logger: logger}
}

func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.Record, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := NewRESTServer(cfg, out, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/measurements", s.handleMeasurements)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// handleMeasurements accepts a JSON object, a JSON array of objects, or
// newline-delimited records in any format the line parser understands.
func (s *RESTServer) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	cfg := s.cfg.Get()
	accepted, failed := 0, 0
	tally := func(err error) {
		if err != nil {
			failed++
			return
		}
		accepted++
	}

	switch trim[0] {
	case '[':
		var list []map[string]interface{}
		if err := json.Unmarshal(trim, &list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, obj := range list {
			tally(s.processMap(r.Context(), obj, cfg))
		}
	case '{':
		var obj map[string]interface{}
		if err := json.Unmarshal(trim, &obj); err == nil {
			tally(s.processMap(r.Context(), obj, cfg))
			break
		}
		fallthrough
	default:
		parser := NewParser()
		scanner := bufio.NewScanner(bytes.NewReader(trim))
		scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
		for scanner.Scan() {
			fields, err := parser.ParseLine(scanner.Text())
			if err != nil {
				failed++
				continue
			}
			if fields == nil {
				continue
			}
			tally(s.processFields(r.Context(), *fields, cfg))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if accepted == 0 && failed > 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": accepted,
		"failed":   failed,
	})
}

func (s *RESTServer) processMap(ctx context.Context, obj map[string]interface{}, cfg *config.Config) error {
	fields, err := ParseJSONMap(obj)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("rest parse error", "err", err)
		}
		return err
	}
	return s.processFields(ctx, *fields, cfg)
}

func (s *RESTServer) processFields(ctx context.Context, fields normalize.RecordFields, cfg *config.Config) error {
	rec, err := normalize.Normalize(fields, cfg)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("rest normalize error", "err", err)
		}
		return err
	}
	if !SendNonBlocking(ctx, s.out, rec, s.logger) {
		return errChannelFull
	}
	return nil
}

package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"noisemon/internal/alerts"
	"noisemon/internal/anomaly"
	"noisemon/internal/baseline"
	"noisemon/internal/config"
	"noisemon/internal/metrics"
	"noisemon/internal/model"
	"noisemon/internal/monitor"
)

const (
	defaultLimit = 100
	maxLimit     = 5000
)

type Detector interface {
	Snapshot() anomaly.Snapshot
	Hourly() [7][24]anomaly.Bin
	Reset()
}

type Baseline interface {
	Rows(ctx context.Context) ([]model.BaselineRow, error)
	RowsFetchedAt() time.Time
	Flush(ctx context.Context, src baseline.HourlySource) (int, error)
}

type Records interface {
	RecentRecords(ctx context.Context, limit int) ([]model.Record, error)
	Anomalies(ctx context.Context, since time.Time, limit int) ([]model.Anomaly, error)
	BaselineRow(ctx context.Context, dayOfWeek, hour int) (model.BaselineRow, error)
}

// LatestCache serves latest records kept outside the process, such as the
// redis publisher, when the in-memory store has not seen a source.
type LatestCache interface {
	FetchLatest(ctx context.Context, source string) (*model.Record, error)
}

type Monitor interface {
	Counts() monitor.Counts
	Reset()
}

// Deps are the components the API reads from and controls. Nil members
// disable the endpoints that need them.
type Deps struct {
	Detector    Detector
	Baseline    Baseline
	Records     Records
	Monitor     Monitor
	Alerts      *alerts.Store
	Latest      *metrics.Store
	LatestCache LatestCache
	Metrics     *metrics.Collectors
}

type Server struct {
	cfg     *config.Manager
	deps    Deps
	logger  *slog.Logger
	version string
	started time.Time
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Uptime     string          `json:"uptime"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Ingest     ingestStatus    `json:"ingest"`
	API        apiStatus       `json:"api"`
	Storage    storageStatus   `json:"storage"`
	Detection  detectionStatus `json:"detection"`
	Counts     *monitor.Counts `json:"counts,omitempty"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
	Redis   bool   `json:"redis"`
}

type detectionStatus struct {
	Initialized      bool    `json:"initialized"`
	AnomalyThreshold float64 `json:"anomaly_threshold"`
	SnippetThreshold float64 `json:"snippet_threshold"`
	BinMinutes       int     `json:"bin_minutes"`
	Weekly           bool    `json:"weekly"`
	PersistBaseline  bool    `json:"persist_baseline"`
}

func NewServer(cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *Server {
	return &Server{cfg: cfg, deps: deps, logger: logger, version: version, started: time.Now().UTC()}
}

func Start(ctx context.Context, cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, deps, logger, version)
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
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/measurements", s.handleMeasurements)
	mux.HandleFunc("/latest", s.handleLatest)
	mux.HandleFunc("/latest/", s.handleLatest)
	mux.HandleFunc("/anomalies", s.handleAnomalies)
	mux.HandleFunc("/anomalies/history", s.handleAnomalyHistory)
	mux.HandleFunc("/baseline", s.handleBaseline)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.HandleFunc("/admin/reset", s.handleReset)
	mux.HandleFunc("/admin/flush", s.handleFlush)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics/prom", s.deps.Metrics.Handler())
	}
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	now := time.Now().UTC()
	resp := statusResponse{
		Status:     "ok",
		Time:       now.Format(time.RFC3339Nano),
		Uptime:     now.Sub(s.started).Truncate(time.Second).String(),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Storage: storageStatus{
			Enabled: cfg.Storage.Enabled,
			Driver:  cfg.Storage.Driver,
			Redis:   cfg.Publish.Redis.Enabled,
		},
		Detection: detectionStatus{
			AnomalyThreshold: cfg.Detection.AnomalyThreshold,
			SnippetThreshold: cfg.Detection.SnippetThreshold,
			BinMinutes:       cfg.Detection.BinMinutes,
			Weekly:           cfg.Detection.Weekly,
			PersistBaseline:  cfg.Detection.PersistBaseline,
		},
	}
	if s.deps.Detector != nil {
		resp.Detection.Initialized = s.deps.Detector.Snapshot().Initialized
	}
	if s.deps.Monitor != nil {
		counts := s.deps.Monitor.Counts()
		resp.Counts = &counts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	limit, ok := parseLimit(r, defaultLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	list, err := s.deps.Records.RecentRecords(r.Context(), limit)
	if err != nil {
		s.internalError(w, "recent measurements", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"measurements": list,
		"count":        len(list),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	source := strings.TrimPrefix(r.URL.Path, "/latest")
	source = strings.TrimPrefix(source, "/")
	if source != "" {
		s.handleLatestSource(w, r, source)
		return
	}
	if s.deps.Latest == nil {
		writeError(w, http.StatusServiceUnavailable, "latest store disabled")
		return
	}
	all := s.deps.Latest.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"latest": all,
		"count":  len(all),
	})
}

func (s *Server) handleLatestSource(w http.ResponseWriter, r *http.Request, source string) {
	if s.deps.Latest == nil && s.deps.LatestCache == nil {
		writeError(w, http.StatusServiceUnavailable, "latest store disabled")
		return
	}
	if s.deps.Latest != nil {
		if latest, ok := s.deps.Latest.Get(source); ok {
			writeJSON(w, http.StatusOK, latest)
			return
		}
	}
	if s.deps.LatestCache == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	rec, err := s.deps.LatestCache.FetchLatest(r.Context(), source)
	if err != nil {
		s.internalError(w, "latest cache", err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, metrics.Latest{Source: source, Record: *rec, UpdatedAt: rec.Timestamp})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "anomaly store disabled")
		return
	}
	limit, ok := parseLimit(r, 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	since, ok := parseSince(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid since")
		return
	}
	list := s.deps.Alerts.Since(since, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": list,
		"count":     len(list),
	})
}

func (s *Server) handleAnomalyHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	limit, ok := parseLimit(r, defaultLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	since, ok := parseSince(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid since")
		return
	}
	list, err := s.deps.Records.Anomalies(r.Context(), since, limit)
	if err != nil {
		s.internalError(w, "anomaly history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": list,
		"count":     len(list),
	})
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if q.Has("day") || q.Has("hour") {
		s.handleBaselineRow(w, r)
		return
	}
	resp := map[string]any{}
	if s.deps.Detector != nil {
		resp["model"] = s.deps.Detector.Snapshot()
	}
	if s.deps.Baseline != nil {
		rows, err := s.deps.Baseline.Rows(r.Context())
		if err != nil {
			s.internalError(w, "baseline rows", err)
			return
		}
		resp["rows"] = rows
		resp["row_count"] = len(rows)
		if at := s.deps.Baseline.RowsFetchedAt(); !at.IsZero() {
			resp["rows_fetched_at"] = at
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBaselineRow reads one stored row straight from storage, bypassing
// the adapter cache.
func (s *Server) handleBaselineRow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	q := r.URL.Query()
	day, err := strconv.Atoi(q.Get("day"))
	if err != nil || day < 0 || day > 6 {
		writeError(w, http.StatusBadRequest, "invalid day")
		return
	}
	hour, err := strconv.Atoi(q.Get("hour"))
	if err != nil || hour < 0 || hour > 23 {
		writeError(w, http.StatusBadRequest, "invalid hour")
		return
	}
	row, err := s.deps.Records.BaselineRow(r.Context(), day, hour)
	if errors.Is(err, sql.ErrNoRows) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "baseline row", err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.clearLatest()
		s.clearAlerts()
	case "anomalies", "alerts":
		s.clearAlerts()
	case "latest":
		s.clearLatest()
	default:
		writeError(w, http.StatusBadRequest, "unknown target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReset drops the in-memory model. Stored history is untouched and
// replayed on the next score.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Detector != nil {
		s.deps.Detector.Reset()
	}
	if s.deps.Monitor != nil {
		s.deps.Monitor.Reset()
	}
	s.clearLatest()
	s.clearAlerts()
	if s.logger != nil {
		s.logger.Info("model reset")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Baseline == nil || s.deps.Detector == nil {
		writeError(w, http.StatusServiceUnavailable, "baseline persistence disabled")
		return
	}
	n, err := s.deps.Baseline.Flush(r.Context(), s.deps.Detector)
	if err != nil {
		s.internalError(w, "baseline flush", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rows": n})
}

func (s *Server) clearLatest() {
	if s.deps.Latest != nil {
		s.deps.Latest.Clear()
	}
}

func (s *Server) clearAlerts() {
	if s.deps.Alerts != nil {
		s.deps.Alerts.Clear()
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	if s.logger != nil {
		s.logger.Error("api "+op+" failed", "err", err)
	}
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func parseLimit(r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	if n == 0 {
		return def, true
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

func parseSince(r *http.Request) (time.Time, bool) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return time.Time{}, true
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

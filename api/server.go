package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/trialscoop/extraction"
	"github.com/fabfab/trialscoop/index"
	"github.com/fabfab/trialscoop/ingestion"
	"github.com/fabfab/trialscoop/knowledge"
	"github.com/fabfab/trialscoop/session"
)

// Server exposes one session's pipeline over HTTP.
type Server struct {
	session *session.Session
	logger  *zap.Logger
	metrics *Metrics
	handler http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type documentsRequest struct {
	Documents []ingestion.Document `json:"documents"`
	URLs      []string             `json:"urls"`
}

type documentsResponse struct {
	Reports []ingestion.Report `json:"reports"`
	Message string             `json:"message"`
}

type sourcesResponse struct {
	Sources []string `json:"sources"`
}

type extractRequest struct {
	Source  string `json:"source"`
	Outcome string `json:"outcome"`
}

type tableRequest struct {
	Outcome string   `json:"outcome"`
	Sources []string `json:"sources"`
}

type tableResponse struct {
	Rows    []extraction.Row `json:"rows"`
	Message string           `json:"message"`
}

type selectRequest struct {
	Titles  []string `json:"titles"`
	Outcome string   `json:"outcome"`
}

type selectResponse struct {
	Selected []string `json:"selected"`
	Strategy string   `json:"strategy"`
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

type metricDocumentsResponse struct {
	Metric    string   `json:"metric"`
	Documents []string `json:"documents"`
}

// New constructs a Server around an already-wired session.
func New(sess *session.Session, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{session: sess, logger: logger, metrics: NewMetrics()}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/documents", s.counted("documents", s.handleDocuments))
	mux.HandleFunc("/v1/sources", s.counted("sources", s.handleSources))
	mux.HandleFunc("/v1/catalog", s.counted("catalog", s.handleCatalog))
	mux.HandleFunc("/v1/extract", s.counted("extract", s.handleExtract))
	mux.HandleFunc("/v1/table", s.counted("table", s.handleTable))
	mux.HandleFunc("/v1/select", s.counted("select", s.handleSelect))
	mux.HandleFunc("/v1/clear", s.counted("clear", s.handleClear))
	mux.HandleFunc("/v1/metrics/documents", s.counted("metric_documents", s.handleMetricDocuments))
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) counted(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.Requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req documentsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if len(req.Documents) == 0 && len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("documents or urls are required"))
		return
	}
	for _, doc := range req.Documents {
		if !index.ValidSource(doc.Source) {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("document source must be a URL: %q", doc.Source))
			return
		}
	}

	ctx := r.Context()
	reports := s.session.Ingestion.IngestDocuments(ctx, req.Documents)
	reports = append(reports, s.session.Ingestion.IngestAll(ctx, req.URLs)...)

	ok, failed, chunks := ingestion.Summarize(reports)
	s.metrics.IngestedChunks.Add(float64(chunks))
	s.metrics.FailedSources.Add(float64(failed))
	s.logger.Info("documents ingested", zap.Int("ok", ok), zap.Int("failed", failed), zap.Int("chunks", chunks))

	s.writeJSON(w, http.StatusOK, documentsResponse{
		Reports: reports,
		Message: fmt.Sprintf("Indexed %d chunks from %d sources, %d failed.", chunks, ok, failed),
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	sources, err := s.session.Index.Sources(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("list sources: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, sourcesResponse{Sources: sources})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	report, err := s.session.BuildCatalog(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("build catalog: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req extractRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	req.Outcome = strings.TrimSpace(req.Outcome)
	if req.Outcome == "" || !index.ValidSource(req.Source) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("source and outcome are required"))
		return
	}

	finding := s.session.Extractor.Extract(r.Context(), req.Source, req.Outcome)
	s.metrics.ObserveEvidence(finding.Evidence)
	s.writeJSON(w, http.StatusOK, finding)
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req tableRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	req.Outcome = strings.TrimSpace(req.Outcome)
	if req.Outcome == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("outcome is required"))
		return
	}

	ctx := r.Context()
	var resp tableResponse
	if len(req.Sources) > 0 {
		resp.Rows = s.session.Tables.GenerateFor(ctx, req.Sources, req.Outcome, nil)
		resp.Message = extraction.Summary(resp.Rows)
	} else {
		resp.Rows, resp.Message = s.session.Tables.Generate(ctx, req.Outcome, nil)
	}
	for _, row := range resp.Rows {
		s.metrics.ObserveEvidence(row.Evidence)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req selectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	selected, strategy := s.session.Selector.Select(r.Context(), req.Titles, req.Outcome)
	s.writeJSON(w, http.StatusOK, selectResponse{Selected: selected, Strategy: strategy})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if !req.Confirm {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("confirm must be true to clear data"))
		return
	}

	if err := s.session.Clear(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("clear session: %w", err))
		return
	}

	s.logger.Info("session cleared", zap.String("session", s.session.ID))
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "session cleared"})
}

func (s *Server) handleMetricDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	metric := strings.TrimSpace(r.URL.Query().Get("metric"))
	if metric == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("metric query parameter is required"))
		return
	}
	driver := s.session.Graph()
	if driver == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("catalog graph not configured"))
		return
	}

	docs, err := knowledge.DocumentsReporting(r.Context(), driver, s.session.ID, metric)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("query catalog graph: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, metricDocumentsResponse{Metric: metric, Documents: docs})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("api error", zap.Int("status", status), zap.Error(err))
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

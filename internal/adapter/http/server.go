package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cwygoda/dsaconvert/internal/capture"
	"github.com/cwygoda/dsaconvert/internal/config"
	"github.com/cwygoda/dsaconvert/internal/domain"
	"github.com/cwygoda/dsaconvert/internal/orchestrator"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	maxJSONBody     = 1 << 20
	uploadMemory    = 32 << 20
	eventBufferSize = 256
)

// Options configures the shell API.
type Options struct {
	Addr        string
	Defaults    config.ProcessingConfig
	MaxFileSize int64
}

// Server is the HTTP adapter the user interface talks to.
type Server struct {
	ctrl    *orchestrator.Controller
	history domain.HistoryRepository
	opts    Options
	log     *zerolog.Logger

	router chi.Router
	server *http.Server
	hub    *hub
	stop   context.CancelFunc
}

// NewServer creates a new HTTP server. history may be nil when recording is
// disabled.
func NewServer(ctrl *orchestrator.Controller, history domain.HistoryRepository, opts Options, log *zerolog.Logger) *Server {
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		ctrl:    ctrl,
		history: history,
		opts:    opts,
		log:     log,
		router:  chi.NewRouter(),
		hub:     newHub(log),
		stop:    stop,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	events, unsubscribe := ctrl.Subscribe(eventBufferSize)
	go func() {
		defer unsubscribe()
		s.hub.run(ctx, events)
	}()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/profiles", s.handleProfiles)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Delete("/jobs/{id}", s.handleRemoveJob)
	r.Post("/jobs/capture", s.handleCapture)
	r.Post("/jobs/upload", s.handleUpload)
	r.Post("/jobs/start", s.handleStart)
	r.Post("/jobs/clear-completed", s.handleClearCompleted)
	r.Post("/output-directory", s.handleOutputDirectory)
	r.Get("/history", s.handleHistory)
	r.Get("/events", s.handleEvents)
	r.Handle("/metrics", promhttp.Handler())
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type remoteHealth struct {
	Connected  bool              `json:"connected"`
	Status     string            `json:"status,omitempty"`
	Components map[string]string `json:"components,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type healthResponse struct {
	Status string       `json:"status"`
	Remote remoteHealth `json:"remote"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	h, err := s.ctrl.Health(r.Context())
	if err != nil {
		resp.Remote.Error = err.Error()
	} else {
		resp.Remote = remoteHealth{Connected: true, Status: h.Status, Components: h.Components}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type profilesResponse struct {
	Source   string           `json:"source"`
	Profiles []domain.Profile `json:"profiles"`
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, remote := s.ctrl.Profiles(r.Context())
	resp := profilesResponse{Source: "builtin", Profiles: profiles}
	if remote {
		resp.Source = "remote"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Jobs())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, j := range s.ctrl.Jobs() {
		if j.ID == id {
			s.writeJSON(w, http.StatusOK, j)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "job not found")
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Remove(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error().Err(err).Msg("remove job")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": s.ctrl.ClearCompleted()})
}

// captureRequest is the request body for POST /jobs/capture.
type captureRequest struct {
	Paths []string `json:"paths"`
}

type queuedResponse struct {
	Jobs   []domain.Job `json:"jobs"`
	Errors []string     `json:"errors,omitempty"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Paths) == 0 {
		s.writeError(w, http.StatusBadRequest, "paths is required")
		return
	}

	priv := capture.NewPrivileged(capture.StaticDialog{Files: req.Paths}, s.opts.MaxFileSize, s.log)
	jobs, err := s.ctrl.Import(r.Context(), capture.NewAdapter(priv, s.log))
	s.writeQueued(w, jobs, splitErrors(err))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}

	var (
		files []domain.SourceFile
		errs  []string
	)
	for _, fh := range headers {
		if s.opts.MaxFileSize > 0 && fh.Size > s.opts.MaxFileSize {
			errs = append(errs, fmt.Sprintf("%s: file exceeds maximum capture size", fh.Filename))
			continue
		}
		f, err := fh.Open()
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", fh.Filename, err))
			continue
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", fh.Filename, err))
			continue
		}
		sf, err := capture.FromUpload(fh.Filename, fh.Header.Get("Content-Type"), data)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		files = append(files, sf)
	}

	s.writeQueued(w, s.ctrl.AddFiles(files), errs)
}

func (s *Server) writeQueued(w http.ResponseWriter, jobs []domain.Job, errs []string) {
	if len(jobs) == 0 && len(errs) > 0 {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "no file could be captured", Details: errs})
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	s.writeJSON(w, http.StatusCreated, queuedResponse{Jobs: jobs, Errors: errs})
}

// outputDirectoryRequest is the request body for POST /output-directory.
type outputDirectoryRequest struct {
	Path string `json:"path"`
}

type outputDirectoryResponse struct {
	Path string `json:"path"`
}

// handleOutputDirectory resolves a directory chosen by the user through the
// privileged capture side, which returns its absolute form once it is known
// to exist.
func (s *Server) handleOutputDirectory(w http.ResponseWriter, r *http.Request) {
	var req outputDirectoryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	priv := capture.NewPrivileged(capture.StaticDialog{Directory: req.Path}, s.opts.MaxFileSize, s.log)
	dir, ok, err := capture.NewAdapter(priv, s.log).OutputDirectory(r.Context())
	if err != nil || !ok {
		msg := "no directory selected"
		if err != nil {
			msg = err.Error()
		}
		s.writeError(w, http.StatusUnprocessableEntity, msg)
		return
	}
	s.writeJSON(w, http.StatusOK, outputDirectoryResponse{Path: dir})
}

// startRequest is the request body for POST /jobs/start. Missing fields
// take the configured defaults.
type startRequest struct {
	ProfileID       string          `json:"profile_id"`
	Profile         *domain.Profile `json:"profile,omitempty"`
	OutputFormats   []string        `json:"output_formats"`
	OutputDirectory string          `json:"output_directory"`
	OCRLanguage     string          `json:"ocr_language"`
	EnableDeskew    bool            `json:"enable_deskew"`
	EnableDenoise   bool            `json:"enable_denoise"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	d := s.opts.Defaults
	req := startRequest{
		ProfileID:       d.Profile,
		OutputFormats:   slices.Clone(d.OutputFormats),
		OutputDirectory: d.OutputDirectory,
		OCRLanguage:     d.OCRLanguage,
		EnableDeskew:    d.EnableDeskew,
		EnableDenoise:   d.EnableDenoise,
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	cfg, err := s.processingConfig(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.ctrl.Start(r.Context(), cfg)
	switch {
	case errors.Is(err, orchestrator.ErrServiceOffline):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrInvalidConfiguration):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.log.Error().Err(err).Msg("start batch")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	default:
		s.writeJSON(w, http.StatusAccepted, res)
	}
}

func (s *Server) processingConfig(ctx context.Context, req startRequest) (domain.ProcessingConfiguration, error) {
	cfg := domain.ProcessingConfiguration{
		OutputDirectory: strings.TrimSpace(req.OutputDirectory),
		OCRLanguage:     domain.OCRLanguage(req.OCRLanguage),
		EnableDeskew:    req.EnableDeskew,
		EnableDenoise:   req.EnableDenoise,
	}
	for _, f := range req.OutputFormats {
		format, err := domain.ParseOutputFormat(f)
		if err != nil {
			return cfg, err
		}
		cfg.OutputFormats = append(cfg.OutputFormats, format)
	}

	if req.Profile != nil {
		cfg.Profile = *req.Profile
		return cfg, nil
	}
	profiles, _ := s.ctrl.Profiles(ctx)
	p, ok := domain.FindProfile(profiles, req.ProfileID)
	if !ok {
		p, ok = domain.FindProfile(domain.BuiltinProfiles, req.ProfileID)
	}
	if !ok {
		return cfg, fmt.Errorf("%w: unknown profile %q", domain.ErrInvalidConfiguration, req.ProfileID)
	}
	cfg.Profile = p
	return cfg, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, []domain.Job{})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	jobs, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list history")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// splitErrors flattens a joined error into one message per file.
func splitErrors(err error) []string {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, splitErrors(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

func requestLog(log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http_request")
		})
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown closes event streams and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	return s.server.Shutdown(ctx)
}

// Close stops the event hub without touching the listener.
func (s *Server) Close() {
	s.stop()
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

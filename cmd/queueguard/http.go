package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"queueguard/internal/auth"
	"queueguard/internal/database"
	"queueguard/internal/geometry"
	"queueguard/internal/metrics"
	mw "queueguard/internal/middleware"
	"queueguard/internal/pipeline"
	"queueguard/internal/publish"
	"queueguard/internal/zonefile"
)

// apiServer serves the dashboard API on top of the running pipeline
type apiServer struct {
	pipeline      *pipeline.DetectionPipeline
	store         *publish.Store
	db            *database.Database // Optional
	authn         *auth.Authenticator
	metrics       *metrics.Metrics
	wsHandler     http.Handler
	liveStream    http.Handler
	staleAfter    time.Duration
	waitPerPerson time.Duration
	windowSize    int
	zonesFile     string
	videoPath     string
	now           func() time.Time
	logger        zerolog.Logger
}

type statusResponse struct {
	RunID          string                 `json:"run_id"`
	State          pipeline.State         `json:"state"`
	Stale          bool                   `json:"stale"`
	LastUpdate     *time.Time             `json:"last_update,omitempty"`
	Record         *pipeline.QueueRecord  `json:"record,omitempty"`
	Queues         []queueStatus          `json:"queues"`
	Window         int                    `json:"window"`
	WindowCapacity int                    `json:"window_capacity"`
	Stats          pipeline.PipelineStats `json:"stats"`
}

type queueStatus struct {
	Queue       int     `json:"queue"` // 1-based
	Label       string  `json:"label"`
	Count       int     `json:"count"`
	RawCount    int     `json:"raw_count"`
	WaitMinutes float64 `json:"wait_minutes"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type historyResponse struct {
	Stats []*database.QueueStatRecord `json:"stats"`
}

// mount registers every route on the goa muxer
func (s *apiServer) mount(mux goahttp.Muxer) {
	mux.Handle(http.MethodGet, "/healthz", s.handleHealthz)
	mux.Handle(http.MethodGet, "/readyz", s.handleReadyz)
	mux.Handle(http.MethodGet, "/api/v1/status", s.handleStatus)
	mux.Handle(http.MethodGet, "/api/v1/frame", s.handleFrame)
	mux.Handle(http.MethodGet, "/api/v1/zones", s.handleGetZones)
	mux.Handle(http.MethodPut, "/api/v1/zones", mw.RequireAuthFunc(s.authn, s.handlePutZones))
	mux.Handle(http.MethodPost, "/api/v1/auth/login", s.handleLogin)
	mux.Handle(http.MethodGet, "/api/v1/history", s.handleHistory)
	if s.metrics != nil {
		mux.Handle(http.MethodGet, "/metrics", s.metrics.Handler().ServeHTTP)
	}
	if s.wsHandler != nil {
		mux.Handle(http.MethodGet, "/ws/queues", s.wsHandler.ServeHTTP)
	}
	if s.liveStream != nil {
		mux.Handle(http.MethodGet, "/stream/live", s.liveStream.ServeHTTP)
	}
}

// handler wraps the muxer with the request ID and logging middlewares
func (s *apiServer) handler() http.Handler {
	mux := goahttp.NewMuxer()
	s.mount(mux)

	var handler http.Handler = mux
	{
		handler = mw.RequestLogger(s.logger)(handler)
		handler = httpmdlwr.RequestID()(handler)
	}
	return handler
}

func (s *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is ready only while the pipeline runs and results are fresh
func (s *apiServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	state := s.pipeline.State()
	fresh := s.store.Fresh(s.staleAfter)
	status := http.StatusOK
	if state != pipeline.StateRunning || !fresh {
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{
		"state": state,
		"fresh": fresh,
	}
	if s.db != nil {
		body["database"] = "ok"
		if err := s.db.Ping(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("Database ping failed")
			body["database"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	body["ready"] = status == http.StatusOK
	s.encode(w, r, status, body)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		RunID:          s.pipeline.RunID(),
		State:          s.pipeline.State(),
		Stale:          !s.store.Fresh(s.staleAfter),
		Queues:         []queueStatus{},
		WindowCapacity: s.windowSize,
		Stats:          s.pipeline.Stats(),
	}

	if latest, received := s.store.Latest(); latest != nil {
		record := latest.Record
		resp.Record = &record
		resp.LastUpdate = &received
		resp.Window = latest.Window
		for _, z := range latest.Zones {
			qs := queueStatus{Queue: z.Index + 1, Label: z.Label()}
			if z.Index < len(latest.Counts) {
				qs.Count = latest.Counts[z.Index]
			}
			if z.Index < len(latest.RawCounts) {
				qs.RawCount = latest.RawCounts[z.Index]
			}
			qs.WaitMinutes = pipeline.EstimateWait(qs.Count, s.waitPerPerson).Minutes()
			resp.Queues = append(resp.Queues, qs)
		}
	}

	s.encode(w, r, http.StatusOK, resp)
}

func (s *apiServer) handleFrame(w http.ResponseWriter, r *http.Request) {
	data, format, ok := s.store.Frame()
	if !ok {
		s.writeError(w, r, http.StatusServiceUnavailable, "no frame available")
		return
	}
	w.Header().Set("Content-Type", "image/"+format)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *apiServer) handleGetZones(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, zonefile.New(s.videoPath, s.pipeline.Zones(), s.now()))
}

// handlePutZones validates, hot-swaps and persists a new zone list
func (s *apiServer) handlePutZones(w http.ResponseWriter, r *http.Request) {
	var f zonefile.File
	if err := goahttp.RequestDecoder(r).Decode(&f); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid zone file: %v", err))
		return
	}

	zones := f.Zones()
	if err := s.pipeline.UpdateZones(zones); err != nil {
		var cfgErr *pipeline.ConfigurationError
		if errors.As(err, &cfgErr) {
			s.writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, r, http.StatusConflict, err.Error())
		return
	}

	logger := s.logger.With().Int("zones", len(zones)).Logger()
	if user := mw.GetUserFromContext(r.Context()); user != nil {
		logger = logger.With().Str("user", user.Username).Logger()
	}

	if s.zonesFile != "" {
		if err := zonefile.Save(s.zonesFile, s.videoPath, zones, s.now()); err != nil {
			logger.Error().Err(err).Msg("Failed to persist zone file")
			s.writeError(w, r, http.StatusInternalServerError, "zones applied but not saved")
			return
		}
	}
	if s.db != nil {
		polygons := make([]geometry.Polygon, len(zones))
		for i, z := range zones {
			polygons[i] = z.Polygon
		}
		if err := s.db.SaveZones(polygons); err != nil {
			logger.Error().Err(err).Msg("Failed to persist zones")
			s.writeError(w, r, http.StatusInternalServerError, "zones applied but not saved")
			return
		}
	}

	logger.Info().Msg("Queue zones updated")
	s.encode(w, r, http.StatusOK, zonefile.New(s.videoPath, zones, s.now()))
}

func (s *apiServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid login request")
		return
	}

	token, expiresAt, err := s.authn.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.writeError(w, r, http.StatusUnauthorized, err.Error())
	case err != nil:
		s.logger.Error().Err(err).Msg("Failed to issue token")
		s.writeError(w, r, http.StatusInternalServerError, "failed to issue token")
	default:
		s.encode(w, r, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
	}
}

// handleHistory lists recorded queue lengths, newest first
func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "history is not enabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 10000")
			return
		}
		limit = n
	}

	var since *time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = &t
	}

	stats, err := s.db.ListQueueStats(since, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list queue stats")
		s.writeError(w, r, http.StatusInternalServerError, "failed to load history")
		return
	}
	if stats == nil {
		stats = []*database.QueueStatRecord{}
	}
	s.encode(w, r, http.StatusOK, historyResponse{Stats: stats})
}

// encode writes v with the goa response encoder negotiated from Accept
func (s *apiServer) encode(w http.ResponseWriter, r *http.Request, status int, v any) {
	ctx := context.WithValue(r.Context(), goahttp.AcceptTypeKey, r.Header.Get("Accept"))
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Failed to encode response")
	}
}

// writeError writes the error with the request ID so it can be correlated with logs
func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	id, _ := r.Context().Value(middleware.RequestIDKey).(string)
	s.encode(w, r, status, map[string]string{"error": msg, "request_id": id})
}

// handleHTTPServer starts the HTTP server and shuts it down when ctx is done.
// Listen errors are sent to errc.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan error) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Info().Str("addr", addr).Msg("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		log.Info().Str("addr", addr).Msg("Shutting down HTTP server")

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to shutdown HTTP server")
		}
	}()
}

package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"rtkey-to-mqtt/application"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const (
	HTTPAPIDefaultShutdownTimeout = 10 * time.Second
	HTTPAPIDefaultReadTimeout     = 15 * time.Second
)

type APIResponse struct {
	Code   int    `json:"code"`
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

type CameraResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Name  string `json:"name"`
}

type IntercomResponse struct {
	ID       string `json:"id"`
	CameraID string `json:"camera_id,omitempty"`
	Name     string `json:"name"`
}

type StreamResponse struct {
	URL string `json:"url"`
}

type HTTPAPIParams struct {
	Addr        string
	AccountName string

	RTKeyClient application.RTKeyClient
	Metrics     *Metrics
	Gatherer    prometheus.Gatherer

	ShutdownTimeout time.Duration

	Log zerolog.Logger
}

func (p *HTTPAPIParams) EnsureDefaults() {
	if p.ShutdownTimeout == 0 {
		p.ShutdownTimeout = HTTPAPIDefaultShutdownTimeout
	}

	if p.Gatherer == nil {
		p.Gatherer = prometheus.DefaultGatherer
	}

	if p.Metrics == nil {
		p.Metrics = NewMetrics(prometheus.NewRegistry())
	}
}

// HTTPAPI serves the cached camera data of one account over HTTP.
type HTTPAPI struct {
	params HTTPAPIParams
	router chi.Router

	log zerolog.Logger
}

func NewHTTPAPI(params HTTPAPIParams) (*HTTPAPI, error) {
	if params.RTKeyClient == nil {
		return nil, fmt.Errorf("RTKeyClient is nil")
	}

	params.EnsureDefaults()

	a := &HTTPAPI{params: params, log: params.Log}
	a.router = a.newRouter()
	return a, nil
}

func (a *HTTPAPI) Handler() http.Handler {
	return a.router
}

// Run serves until ctx is done and then shuts the server down gracefully.
func (a *HTTPAPI) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.params.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: HTTPAPIDefaultReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("address", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.params.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		a.log.Info().Msg("server stopped")
		return nil
	}
}

func (a *HTTPAPI) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Use(hlog.NewHandler(a.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(a.metricsMiddleware)

	r.Get("/health", a.healthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.params.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/cameras", a.camerasHandler)
		r.Get("/cameras/{id}/snapshot", a.snapshotHandler)
		r.Get("/cameras/{id}/stream", a.streamHandler)
		r.Get("/intercoms", a.intercomsHandler)
		r.Post("/intercoms/{id}/open", a.openIntercomHandler)
		r.Post("/cache/clear", a.clearCacheHandler)
	})

	return r
}

func (a *HTTPAPI) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.params.Metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

func (a *HTTPAPI) healthHandler(w http.ResponseWriter, _ *http.Request) {
	a.sendResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (a *HTTPAPI) camerasHandler(w http.ResponseWriter, r *http.Request) {
	cameras, err := a.params.RTKeyClient.Cameras(r.Context())
	if err != nil {
		a.sendError(w, r, err)
		return
	}

	resp := make([]CameraResponse, 0, len(cameras))
	for _, camera := range cameras {
		resp = append(resp, CameraResponse{
			ID:    camera.ID,
			Title: camera.Title,
			Name:  application.BuildDeviceName(a.params.AccountName, camera.Title),
		})
	}
	a.sendResponse(w, http.StatusOK, resp)
}

func (a *HTTPAPI) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	img, err := a.params.RTKeyClient.CameraImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.sendError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(img))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("failed to write snapshot")
	}
}

func (a *HTTPAPI) streamHandler(w http.ResponseWriter, r *http.Request) {
	streamURL, err := a.params.RTKeyClient.CameraStreamURL(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.sendError(w, r, err)
		return
	}

	if redirect, _ := strconv.ParseBool(r.URL.Query().Get("redirect")); redirect {
		http.Redirect(w, r, streamURL, http.StatusFound)
		return
	}
	a.sendResponse(w, http.StatusOK, StreamResponse{URL: streamURL})
}

func (a *HTTPAPI) intercomsHandler(w http.ResponseWriter, r *http.Request) {
	intercoms, err := a.params.RTKeyClient.Intercoms(r.Context())
	if err != nil {
		a.sendError(w, r, err)
		return
	}

	resp := make([]IntercomResponse, 0, len(intercoms))
	for _, intercom := range intercoms {
		resp = append(resp, IntercomResponse{
			ID:       intercom.ID,
			CameraID: intercom.CameraID,
			Name:     intercom.Name,
		})
	}
	a.sendResponse(w, http.StatusOK, resp)
}

func (a *HTTPAPI) openIntercomHandler(w http.ResponseWriter, r *http.Request) {
	intercomID := chi.URLParam(r, "id")
	if err := a.params.RTKeyClient.OpenIntercom(r.Context(), intercomID); err != nil {
		a.sendError(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("intercom_id", intercomID).Msg("intercom opened")
	a.sendResponse(w, http.StatusOK, map[string]string{"id": intercomID})
}

func (a *HTTPAPI) clearCacheHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.params.RTKeyClient.ClearCache(r.Context()); err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendResponse(w, http.StatusOK, map[string]string{"message": "cache cleared"})
}

func (a *HTTPAPI) sendResponse(w http.ResponseWriter, code int, data any) {
	a.writeJSON(w, code, APIResponse{Code: code, Status: http.StatusText(code), Data: data})
}

func (a *HTTPAPI) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, application.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, application.ErrUpstream):
		code = http.StatusBadGateway
	}

	if code == http.StatusNotFound {
		hlog.FromRequest(r).Debug().Err(err).Msg("request failed")
	} else {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}

	a.writeJSON(w, code, APIResponse{Code: code, Status: http.StatusText(code), Error: err.Error()})
}

func (a *HTTPAPI) writeJSON(w http.ResponseWriter, code int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

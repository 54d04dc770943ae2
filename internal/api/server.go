// Package api serves the operator HTTP surface: status, selection, quit,
// camera snapshots, metrics and debug charts.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/tablepick/internal/httputil"
	"github.com/banshee-data/tablepick/internal/pipeline"
	"github.com/banshee-data/tablepick/internal/stream"
	"github.com/banshee-data/tablepick/internal/zone"
)

// Engine is the part of the orchestrator the API drives.
type Engine interface {
	Status() *pipeline.Status
	Healthy(maxAge time.Duration) bool
	Select(ctx context.Context, id int) (int, error)
	SelectAt(ctx context.Context, p zone.Point) (int, error)
}

// Cameras exposes the camera streams.
type Cameras interface {
	LatestFrame(camera string) (stream.Frame, bool)
	Status() []stream.SourceStatus
}

// Server holds the handlers' dependencies.
type Server struct {
	engine   Engine
	cameras  Cameras
	gatherer prometheus.Gatherer
	quit     context.CancelFunc
	// selectTimeout bounds how long a selection waits for the loop.
	selectTimeout time.Duration
	healthMaxAge  time.Duration
}

// NewServer returns a Server. gatherer may be nil to use the default
// registry; quit is called by POST /api/quit.
func NewServer(engine Engine, cameras Cameras, gatherer prometheus.Gatherer, quit context.CancelFunc) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		engine:        engine,
		cameras:       cameras,
		gatherer:      gatherer,
		quit:          quit,
		selectTimeout: 2 * time.Second,
		healthMaxAge:  5 * time.Second,
	}
}

// ServeMux returns the routes. Debug routes from other packages can be
// attached to the same mux.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/streams", s.showStreams)
	mux.HandleFunc("/api/select", s.selectEntity)
	mux.HandleFunc("/api/quit", s.quitHandler)
	mux.HandleFunc("/api/cameras/", s.cameraSnapshot)
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/debug/zones", s.zoneChart)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.engine.Status())
}

func (s *Server) showStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cameras == nil {
		httputil.WriteJSONOK(w, []stream.SourceStatus{})
		return
	}
	httputil.WriteJSONOK(w, s.cameras.Status())
}

type selectRequest struct {
	ID *int `json:"id,omitempty"`
	X  *int `json:"x,omitempty"`
	Y  *int `json:"y,omitempty"`
}

func (s *Server) selectEntity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req selectRequest
	if err := httputil.DecodeJSONBody(r, &req, 1<<10); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.selectTimeout)
	defer cancel()

	var (
		id  int
		err error
	)
	switch {
	case req.ID != nil:
		id, err = s.engine.Select(ctx, *req.ID)
	case req.X != nil && req.Y != nil:
		id, err = s.engine.SelectAt(ctx, zone.Point{X: *req.X, Y: *req.Y})
	default:
		httputil.BadRequest(w, "expected {\"id\": n} or {\"x\": .., \"y\": ..}")
		return
	}

	switch {
	case err == nil:
		httputil.WriteJSONOK(w, map[string]int{"selected": id})
	case errors.Is(err, pipeline.ErrUnknownEntity), errors.Is(err, pipeline.ErrNoEntities):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httputil.ServiceUnavailable(w, "orchestrator did not respond")
	default:
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) quitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	diagf("quit requested from %s", r.RemoteAddr)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	if s.quit != nil {
		s.quit()
	}
}

// cameraSnapshot serves GET /api/cameras/{name}/snapshot.
func (s *Server) cameraSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	name, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/api/cameras/"), "/snapshot")
	if !ok || name == "" || strings.Contains(name, "/") {
		httputil.NotFound(w, "unknown camera route")
		return
	}
	if s.cameras == nil {
		httputil.NotFound(w, "no cameras configured")
		return
	}
	f, ok := s.cameras.LatestFrame(name)
	if !ok {
		httputil.NotFound(w, "no frame for camera "+name)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	w.Header().Set("Last-Modified", f.At.UTC().Format(http.TimeFormat))
	if _, err := w.Write(f.JPEG); err != nil {
		tracef("snapshot write for %s: %v", name, err)
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Healthy(s.healthMaxAge) {
		httputil.ServiceUnavailable(w, "no tracking frames")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, status and duration. Metrics scrapes
// and snapshot polling go to the trace stream.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		ms := float64(time.Since(start).Nanoseconds()) / 1e6
		if r.URL.Path == "/metrics" || strings.HasSuffix(r.URL.Path, "/snapshot") {
			tracef("[%d] %s %s %.2fms", lrw.statusCode, r.Method, r.RequestURI, ms)
			return
		}
		diagf("[%d] %s %s %.2fms", lrw.statusCode, r.Method, r.RequestURI, ms)
	})
}

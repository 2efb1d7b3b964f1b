package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
)

// Dispatcher is the batch and manual publish path.
type Dispatcher interface {
	RunDay(ctx context.Context, day time.Time) (model.DispatchSummary, error)
	PublishOne(ctx context.Context, id int64) (model.PublishResult, error)
}

// Releases issues single-release overrides.
type Releases interface {
	Cancel(ctx context.Context, scheduleID int64, index int) (model.ReleaseActionResult, error)
	RunNow(ctx context.Context, scheduleID int64, index int) (model.ReleaseActionResult, error)
}

// ReleaseObserver is told about every release command, accepted or not.
type ReleaseObserver interface {
	ObserveRelease(res model.ReleaseActionResult)
}

// Tanks reads and edits the slot table of a tunnel.
type Tanks interface {
	TankConfigurations(ctx context.Context, tunnelID int64) ([]model.TankConfiguration, error)
	UpsertTankConfiguration(ctx context.Context, tc model.TankConfiguration) error
}

type Config struct {
	Location       *time.Location
	RequestTimeout time.Duration
	Logger         *log.Logger

	// Optional handlers mounted next to the API.
	Health  http.Handler
	Ready   http.Handler
	Metrics http.Handler
	Recent  http.Handler
}

// App serves the trigger surface of the scheduler.
type App struct {
	cfg      Config
	dispatch Dispatcher
	releases Releases
	observer ReleaseObserver
	tanks    Tanks
}

func New(d Dispatcher, r Releases, tanks Tanks, obs ReleaseObserver, cfg Config) *App {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &App{cfg: cfg, dispatch: d, releases: r, observer: obs, tanks: tanks}
}

func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /schedules/{id}/publish", a.HandlePublish)
	mux.HandleFunc("POST /schedules/{id}/releases/{index}/cancel", a.HandleRelease(model.ActionCancel))
	mux.HandleFunc("POST /schedules/{id}/releases/{index}/run", a.HandleRelease(model.ActionRun))
	mux.HandleFunc("POST /dispatch", a.HandleDispatch)
	mux.HandleFunc("GET /tunnels/{id}/tanks", a.HandleListTanks)
	mux.HandleFunc("PUT /tunnels/{id}/tanks/{slot}", a.HandleSetTank)

	mount := func(pattern string, h http.Handler) {
		if h != nil {
			mux.Handle(pattern, h)
		}
	}
	mount("GET /healthz", a.cfg.Health)
	mount("GET /readyz", a.cfg.Ready)
	mount("GET /metrics", a.cfg.Metrics)
	mount("GET /events/publish/latest", a.cfg.Recent)
	return a.logRequests(mux)
}

func (a *App) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		a.cfg.Logger.Printf("http: %s %s -> %d [%dms]", r.Method, r.URL.Path, sw.code, time.Since(start).Milliseconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

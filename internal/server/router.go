package server

import (
	"context"
	"crypto/tls"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remold/remold/internal/auth"
	"github.com/remold/remold/internal/metrics"
	"github.com/remold/remold/internal/monitor"
	"github.com/remold/remold/internal/store"
)

// Supervisor is the slice of the monitor the admin API needs.
type Supervisor interface {
	Status() monitor.Status
	TriggerPromote()
	Shutdown() <-chan struct{}
}

// Options tune the admin API surface.
type Options struct {
	BasePath string
	Metrics  bool
	Auth     auth.Config
}

// Router exposes the pool over HTTP: status, lifecycle journal, and the
// manual promote/stop controls.
type Router struct {
	sup     Supervisor
	journal store.Store
	opts    Options
}

// NewRouter builds a Router. journal may be nil when no store is configured;
// the events endpoint then answers 404.
func NewRouter(sup Supervisor, journal store.Store, opts Options) *Router {
	opts.BasePath = sanitizeBase(opts.BasePath)
	return &Router{sup: sup, journal: journal, opts: opts}
}

// Handler returns the http.Handler for the admin API. Everything except the
// health probe sits behind auth when it is enabled.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	grp := g.Group(r.opts.BasePath)
	grp.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })

	api := grp.Group("", r.opts.Auth.GinAuth())
	api.GET("/status", r.handleStatus)
	api.GET("/events", r.handleEvents)
	api.POST("/promote", r.handlePromote)
	api.POST("/stop", r.handleStop)
	if r.opts.Metrics {
		api.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type processResp struct {
	Seq          uint64    `json:"seq"`
	PID          int       `json:"pid"`
	Role         string    `json:"role"`
	Generation   uint64    `json:"generation"`
	State        string    `json:"state"`
	RequestCount uint64    `json:"request_count"`
	ForkSafe     bool      `json:"fork_safe"`
	StartedAt    time.Time `json:"started_at"`
}

type statusResp struct {
	monitor.Status
	Processes []processResp `json:"processes"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.sup.Status()
	out := statusResp{Status: st, Processes: make([]processResp, 0, len(st.Processes))}
	for _, rec := range st.Processes {
		out.Processes = append(out.Processes, processResp{
			Seq:          rec.Seq,
			PID:          rec.PID,
			Role:         rec.Role.String(),
			Generation:   rec.Generation,
			State:        rec.State.String(),
			RequestCount: rec.RequestCount,
			ForkSafe:     rec.ForkSafe,
			StartedAt:    rec.StartedAt,
		})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.journal == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no journal store configured"})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	events, err := r.journal.RecentEvents(ctx, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handlePromote(c *gin.Context) {
	st := r.sup.Status()
	if st.Phase != "ready" {
		writeJSON(c, http.StatusConflict, errorResp{Error: "pool is " + st.Phase + ", not ready"})
		return
	}
	r.sup.TriggerPromote()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	r.sup.Shutdown()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

// NewServer builds an http.Server for the admin API and starts it, over TLS
// when tlsConf is non-nil.
func NewServer(addr string, router *Router, tlsConf *tls.Config) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(),
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tlsConf != nil {
		go func() { _ = server.ListenAndServeTLS("", "") }()
	} else {
		go func() { _ = server.ListenAndServe() }()
	}
	return server
}

var _ Supervisor = (*monitor.Monitor)(nil)

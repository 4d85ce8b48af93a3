package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mrdeploy/internal/command"
	"github.com/loykin/mrdeploy/internal/pubsub"
	"github.com/loykin/mrdeploy/internal/relay"
	"github.com/loykin/mrdeploy/internal/store"
	"github.com/loykin/mrdeploy/internal/supervisor"
)

// Router exposes the relay over HTTP.
// Endpoints:
//
//	GET  {basePath}/status            running flag (+ pid when supervised here)
//	POST {basePath}/please/:command   start | stop | restart | retry
//	GET  {basePath}/stream            server-sent events of output and status
//	GET  {basePath}/log?lines=N       tail of the durable log
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	hub      *pubsub.Hub
	store    store.Store
	logPath  string
	basePath string

	sup      StatusSource
	accounts gin.Accounts
	metrics  http.Handler
}

// StatusSource reports details about the supervised process.
type StatusSource interface {
	Status() supervisor.Status
}

// Option configures a Router.
type Option func(*Router)

// WithBasicAuth protects every endpoint when username is not empty.
func WithBasicAuth(username, password string) Option {
	return func(r *Router) {
		if username != "" {
			r.accounts = gin.Accounts{username: password}
		}
	}
}

// WithSupervisor adds process details to status responses.
func WithSupervisor(s StatusSource) Option { return func(r *Router) { r.sup = s } }

// WithMetrics serves h on /metrics (outside basePath).
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

func NewRouter(hub *pubsub.Hub, st store.Store, logPath, basePath string, opts ...Option) *Router {
	r := &Router{hub: hub, store: st, logPath: logPath, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	if len(r.accounts) > 0 {
		group.Use(gin.BasicAuth(r.accounts))
	}
	group.GET("/status", r.handleStatus)
	group.POST("/please/:command", r.handlePlease)
	group.GET("/stream", r.handleStream)
	group.GET("/log", r.handleLog)
	return g
}

// NewServer returns an http.Server for h. There is no write timeout because
// /stream responses are long lived.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	Running   bool       `json:"running"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ExitErr   string     `json:"exit_error,omitempty"`
}

type logResp struct {
	Lines []string `json:"lines"`
}

func (r *Router) status(ctx context.Context) (statusResp, error) {
	running, err := store.GetBool(ctx, r.store, relay.RunningKey)
	if err != nil {
		return statusResp{}, err
	}
	resp := statusResp{Running: running}
	if r.sup != nil {
		st := r.sup.Status()
		if st.PID != 0 {
			resp.PID = st.PID
			started := st.StartedAt
			resp.StartedAt = &started
			resp.ExitErr = st.ExitErr
		}
	}
	return resp, nil
}

func (r *Router) handleStatus(c *gin.Context) {
	resp, err := r.status(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handlePlease(c *gin.Context) {
	name := c.Param("command")
	if !command.Valid(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: fmt.Sprintf("unknown command %q: allowed start, stop, restart, retry", name)})
		return
	}
	if err := command.Send(c.Request.Context(), r.hub, name); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	r.handleStatus(c)
}

func (r *Router) handleStream(c *gin.Context) {
	sub := r.hub.SubscribeObserver(relay.TopicOutput, relay.TopicStatus)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		msg, ok := sub.Next(ctx)
		if !ok {
			return false
		}
		c.SSEvent(msg.Topic, msg.Data)
		return true
	})
}

func (r *Router) handleLog(c *gin.Context) {
	n := relay.DefaultTailLines
	if q := c.Query("lines"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "lines must be a positive integer"})
			return
		}
		n = v
	}
	lines, err := relay.Tail(r.logPath, n)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, logResp{Lines: lines})
}

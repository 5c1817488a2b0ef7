// Package api exposes the HTTP surface of a compiled model: an ingest route
// per input report, a WebSocket feed and latest-record route per output
// report, the configuration document generic frontends bootstrap from, and a
// health route backed by the worker presence map. The server is stateless;
// every route reads and writes through the broker.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	"goa.design/brook"
	"goa.design/brook/broker"
	"goa.design/brook/telemetry"
	"goa.design/brook/worker"
)

// Defaults applied by New when the corresponding option is zero.
const (
	// DefaultAddr is the listen address.
	DefaultAddr = ":8000"
	// DefaultIngestRate is the per-input sustained ingest rate in records
	// per second.
	DefaultIngestRate rate.Limit = 1000
	// DefaultIngestBurst is the per-input ingest burst size.
	DefaultIngestBurst = 1000
	// DefaultStaleAfter is how old a presence heartbeat may be before the
	// health route stops counting the worker as live.
	DefaultStaleAfter = time.Minute
)

// shutdownTimeout bounds graceful shutdown after the run context ends.
const shutdownTimeout = 30 * time.Second

type (
	// Options configures a Server.
	Options struct {
		// Broker mediates all reads and writes. Required.
		Broker *broker.Broker
		// Plan is the compiled model the routes are generated from. Required.
		Plan *brook.Plan
		// Addr is the listen address.
		Addr string
		// Logger receives server events.
		Logger telemetry.Logger
		// Presence, when set, feeds the health route's worker list.
		Presence *worker.Presence
		// IngestRate is the per-input sustained ingest rate.
		IngestRate rate.Limit
		// IngestBurst is the per-input ingest burst size.
		IngestBurst int
		// StaleAfter is the heartbeat age beyond which the health route
		// drops a worker from its list.
		StaleAfter time.Duration
		// Debug mounts pprof and the debug log enabler and logs request
		// bodies when debug logs are enabled.
		Debug bool
	}

	// Server serves the HTTP surface of one compiled model.
	Server struct {
		opts    Options
		b       *broker.Broker
		plan    *brook.Plan
		log     telemetry.Logger
		layout  broker.Layout
		mux     goahttp.Muxer
		schemas map[string]*jsonschema.Schema
		doc     []byte

		closing   chan struct{}
		closeOnce sync.Once
	}
)

// New builds a server for the plan: compiles the input validation schemas,
// renders the configuration document and registers all routes.
func New(opts Options) (*Server, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("api: options: Broker is required")
	}
	if opts.Plan == nil {
		return nil, fmt.Errorf("api: options: Plan is required")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.IngestRate == 0 {
		opts.IngestRate = DefaultIngestRate
	}
	if opts.IngestBurst == 0 {
		opts.IngestBurst = DefaultIngestBurst
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = DefaultStaleAfter
	}

	s := &Server{
		opts:    opts,
		b:       opts.Broker,
		plan:    opts.Plan,
		log:     opts.Logger,
		layout:  opts.Plan.Layout(),
		schemas: make(map[string]*jsonschema.Schema, len(opts.Plan.Inputs)),
		closing: make(chan struct{}),
	}

	for _, in := range s.plan.Inputs {
		schema, err := compileSchema(in.Name, in.Schema)
		if err != nil {
			return nil, fmt.Errorf("api: input %s: %w", in.Name, err)
		}
		s.schemas[in.Name] = schema
	}

	doc, err := json.Marshal(SchemaDocument(s.plan))
	if err != nil {
		return nil, fmt.Errorf("api: render schema document: %w", err)
	}
	s.doc = doc

	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
		if opts.Debug {
			debug.MountPprofHandlers(debug.Adapt(mux))
			debug.MountDebugLogEnabler(debug.Adapt(mux))
		}
	}
	for _, in := range s.plan.Inputs {
		mux.Handle("POST", "/"+in.Name, s.ingest(in))
	}
	for _, out := range s.plan.Outputs {
		mux.Handle("GET", "/"+out.Name, s.output(out))
	}
	mux.Handle("GET", "/pybrook-schema.json", s.schemaDoc)
	mux.Handle("GET", "/healthz", s.health)
	s.mux = mux

	return s, nil
}

// compileSchema turns a report's JSON schema document into a validator.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	res := name + "-schema.json"
	if err := c.AddResource(res, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(res)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Handler returns the route handler without logging or debug middleware, for
// tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves HTTP until ctx ends, then shuts down gracefully. WebSocket
// connections are closed as part of shutdown.
func (s *Server) Run(ctx context.Context) error {
	var handler http.Handler = s.mux
	if s.opts.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)
	handler = allowAll(handler)

	srv := &http.Server{Addr: s.opts.Addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	errc := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "http server listening", "addr", s.opts.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.close()
		return err
	case <-ctx.Done():
	}
	s.log.Info(ctx, "shutting down http server", "addr", s.opts.Addr)

	// Hijacked WebSocket connections are not tracked by the server; closing
	// the channel tells their pumps to finish.
	s.close()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	if serr := <-errc; serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		err = errors.Join(err, serr)
	}
	return err
}

func (s *Server) close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// schemaDoc serves the configuration document rendered at construction.
func (s *Server) schemaDoc(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(s.doc)
}

type healthResponse struct {
	Status  string                       `json:"status"`
	Workers map[string]worker.WorkerInfo `json:"workers,omitempty"`
}

// health reports broker reachability and, when a presence map is wired, the
// live worker fleet.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.b.Ping(r.Context()); err != nil {
		s.log.Error(r.Context(), "health check broker ping failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "broker unreachable")
		return
	}
	resp := healthResponse{Status: "ok"}
	if s.opts.Presence != nil {
		resp.Workers = s.opts.Presence.Workers(s.opts.StaleAfter)
	}
	writeJSON(w, http.StatusOK, resp)
}

// allowAll is a permissive CORS layer: every origin, method and header. The
// surface carries no credentials or private data beyond what the streams
// already expose.
func allowAll(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

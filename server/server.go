// Package server exposes the collaboration relay over a websocket
// endpoint. Each accepted connection becomes a session that joins at most
// one room and exchanges JSON protocol messages with it; the HTTP surface
// also carries health and prometheus scrape endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	collab "github.com/Allen1801/google-docs-clone"
	"github.com/Allen1801/google-docs-clone/utils"
)

const (
	// DefaultSendQueueLen bounds the per-session outgoing queue. A session
	// that falls this far behind starts losing broadcasts rather than
	// stalling the room sequencer.
	DefaultSendQueueLen = 256
	// DefaultWriteTimeout bounds a single websocket write.
	DefaultWriteTimeout = 10 * time.Second
)

type Server struct {
	log      utils.Logger
	registry *collab.Registry
	router   *mux.Router
	upgrader websocket.Upgrader

	sendQueueLen int
	writeTimeout time.Duration
	promReg      *prometheus.Registry

	httpSrv *http.Server
}

type ServerOpt interface {
	Apply(*Server)
}

type WriteTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *WriteTimeoutOpt) Apply(s *Server) {
	s.writeTimeout = opt.Timeout
}

type SendQueueLenOpt struct {
	Len int
}

func (opt *SendQueueLenOpt) Apply(s *Server) {
	s.sendQueueLen = opt.Len
}

// PrometheusRegistryOpt lets the caller supply its own metrics registry,
// e.g. to expose process collectors alongside the relay's own.
type PrometheusRegistryOpt struct {
	Registry *prometheus.Registry
}

func (opt *PrometheusRegistryOpt) Apply(s *Server) {
	s.promReg = opt.Registry
}

func NewServer(log utils.Logger, registry *collab.Registry, opts ...ServerOpt) *Server {
	s := &Server{
		log:      log,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sendQueueLen: DefaultSendQueueLen,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, o := range opts {
		o.Apply(s)
	}
	if s.promReg == nil {
		s.promReg = prometheus.NewRegistry()
	}
	s.promReg.MustRegister(collab.NewRegistryCollector(registry))

	s.router = mux.NewRouter()
	s.router.HandleFunc("/ws", s.handleWS)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return s
}

// Router exposes the HTTP handler, mainly so tests can mount it on an
// httptest server.
func (s *Server) Router() http.Handler {
	return s.router
}

// Listen serves the relay on addr and blocks until Close or a listener
// error.
func (s *Server) Listen(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}
	s.log.Info("server: listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	return nil
}

func (s *Server) Close() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

package broker

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/theapemachine/rpcswitch-go/pkg/transport"
)

/*
ListenerConfig describes one listen endpoint. Proto selects the flavour:
"tcp" is plain newline-framed JSON, "tls" the same behind a certificate, and
"ws" exchanges one JSON frame per websocket text message on Path.
*/
type ListenerConfig struct {
	Addr  string `mapstructure:"addr"`
	Proto string `mapstructure:"proto"`
	Cert  string `mapstructure:"cert"`
	Key   string `mapstructure:"key"`
	Path  string `mapstructure:"path"`
}

// ServerConfig is the process-level configuration around the switch core.
type ServerConfig struct {
	Listeners []ListenerConfig `mapstructure:"listeners"`
	PIDFile   string           `mapstructure:"pidfile"`
	Broker    Config           `mapstructure:",squash"`
}

/*
Server binds a broker to its listeners and runs it until told to stop. The
switch core never touches sockets in accept state; this is the only place
that knows what a listener is.
*/
type Server struct {
	broker     *Broker
	cfg        ServerConfig
	policyPath string

	mu        sync.Mutex
	listeners []net.Listener
	httpSrvs  []*http.Server
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewServer(b *Broker, cfg ServerConfig, policyPath string) *Server {
	return &Server{
		broker:     b,
		cfg:        cfg,
		policyPath: policyPath,
		stop:       make(chan struct{}),
	}
}

// Broker exposes the wrapped switch core.
func (srv *Server) Broker() *Broker {
	return srv.broker
}

// upgrader accepts any origin; a switch is not a browser-facing service and
// deployments that need origin policy put a proxy in front.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

/*
Start opens every configured listener and begins accepting. It returns once
all listeners are bound, so callers can Dial immediately after.
*/
func (srv *Server) Start() error {
	if len(srv.cfg.Listeners) == 0 {
		return errors.New("no listeners configured")
	}

	if srv.cfg.PIDFile != "" {
		if err := os.WriteFile(srv.cfg.PIDFile, fmt.Appendf(nil, "%d", os.Getpid()), 0600); err != nil {
			return fmt.Errorf("failed to write pid file: %w", err)
		}
	}

	for _, lc := range srv.cfg.Listeners {
		if err := srv.listen(lc); err != nil {
			srv.closeListeners()
			return err
		}
	}

	return nil
}

func (srv *Server) listen(lc ListenerConfig) error {
	switch lc.Proto {
	case "", "tcp":
		ln, err := net.Listen("tcp", lc.Addr)

		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", lc.Addr, err)
		}

		srv.acceptLoop(ln, "tcp")

	case "tls":
		cert, err := tls.LoadX509KeyPair(lc.Cert, lc.Key)

		if err != nil {
			return fmt.Errorf("failed to load certificate for %s: %w", lc.Addr, err)
		}

		ln, err := tls.Listen("tcp", lc.Addr, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})

		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", lc.Addr, err)
		}

		srv.acceptLoop(ln, "tls")

	case "ws":
		ln, err := net.Listen("tcp", lc.Addr)

		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", lc.Addr, err)
		}

		path := lc.Path

		if path == "" {
			path = "/"
		}

		mux := http.NewServeMux()
		mux.HandleFunc(path, srv.serveWS)

		httpSrv := &http.Server{Handler: mux}

		srv.mu.Lock()
		srv.listeners = append(srv.listeners, ln)
		srv.httpSrvs = append(srv.httpSrvs, httpSrv)
		srv.mu.Unlock()

		go func() {
			if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("websocket listener failed", "addr", lc.Addr, "error", err)
			}
		}()

		log.Info("listening", "proto", "ws", "addr", ln.Addr().String(), "path", path)
		return nil

	default:
		return fmt.Errorf("unknown listener proto %q", lc.Proto)
	}

	return nil
}

func (srv *Server) acceptLoop(ln net.Listener, proto string) {
	srv.mu.Lock()
	srv.listeners = append(srv.listeners, ln)
	srv.mu.Unlock()

	log.Info("listening", "proto", proto, "addr", ln.Addr().String())

	go func() {
		for {
			conn, err := ln.Accept()

			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Error("accept failed", "addr", ln.Addr().String(), "error", err)
				}
				return
			}

			go srv.broker.ServeConn(conn)
		}
	}()
}

func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)

	if err != nil {
		log.Error("websocket upgrade failed", "from", r.RemoteAddr, "error", err)
		return
	}

	srv.broker.ServeFramer(transport.NewWebSocket(ws, srv.cfg.Broker.MaxFrame), r.RemoteAddr)
}

/*
Run starts the listeners and blocks until a terminating signal or Shutdown.
SIGHUP reloads the policy file in place; a broken file keeps the old policy.
*/
func (srv *Server) Run() error {
	if err := srv.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				log.Info("reloading policy", "path", srv.policyPath)
				srv.broker.ReloadPolicy(srv.policyPath)
				continue
			}

			log.Info("shutting down", "signal", sig.String())
			srv.Shutdown()
			return nil

		case <-srv.stop:
			return nil
		}
	}
}

// Shutdown closes the listeners, then every connection.
func (srv *Server) Shutdown() {
	srv.stopOnce.Do(func() {
		srv.closeListeners()
		srv.broker.Shutdown()

		if srv.cfg.PIDFile != "" {
			os.Remove(srv.cfg.PIDFile)
		}

		close(srv.stop)
	})
}

func (srv *Server) closeListeners() {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	for _, httpSrv := range srv.httpSrvs {
		httpSrv.Close()
	}

	for _, ln := range srv.listeners {
		ln.Close()
	}

	srv.listeners = nil
	srv.httpSrvs = nil
}

// Addrs reports the bound listener addresses, useful when listening on :0.
func (srv *Server) Addrs() []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	addrs := make([]string, 0, len(srv.listeners))

	for _, ln := range srv.listeners {
		addrs = append(addrs, ln.Addr().String())
	}

	return addrs
}

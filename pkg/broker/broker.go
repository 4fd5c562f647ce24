package broker

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/theapemachine/rpcswitch-go/pkg/auth"
	rpcerrors "github.com/theapemachine/rpcswitch-go/pkg/errors"
	"github.com/theapemachine/rpcswitch-go/pkg/jsonrpc"
	"github.com/theapemachine/rpcswitch-go/pkg/metrics"
	"github.com/theapemachine/rpcswitch-go/pkg/policy"
	"github.com/theapemachine/rpcswitch-go/pkg/registry"
	"github.com/theapemachine/rpcswitch-go/pkg/transport"
)

// DefaultPingInterval is the liveness probe period for worker connections
// when the configuration does not set one.
const DefaultPingInterval = 30 * time.Second

/*
Config carries the tunables of the switch core. Listener setup lives with the
server; the core only needs to know how to treat accepted connections.
*/
type Config struct {
	// PingInterval is the period of the liveness probe on worker
	// connections. Zero selects DefaultPingInterval.
	PingInterval time.Duration `mapstructure:"ping"`
	// MaxFrame bounds one inbound JSON frame in bytes. Zero selects the
	// transport default.
	MaxFrame int `mapstructure:"maxframe"`
}

func (cfg Config) pingInterval() time.Duration {
	if cfg.PingInterval <= 0 {
		return DefaultPingInterval
	}
	return cfg.PingInterval
}

/*
Broker is the switch: it owns every accepted connection, the worker registry,
and the active policy snapshot, and relays calls between clients and workers.
One mutex serialises all state mutation, which gives every handler the same
consistent view a single-threaded event loop would.
*/
type Broker struct {
	mu sync.Mutex

	cfg      Config
	verifier *auth.Backends
	policy   atomic.Pointer[policy.Policy]

	conns        map[*Connection]struct{}
	workers      *registry.Registry
	lastWorkerID uint64

	metrics *metrics.SwitchMetrics
}

// New builds a broker around an initial policy snapshot and a set of auth
// backends.
func New(cfg Config, verifier *auth.Backends, pol *policy.Policy) *Broker {
	b := &Broker{
		cfg:      cfg,
		verifier: verifier,
		conns:    make(map[*Connection]struct{}),
		workers:  registry.New(),
		metrics:  metrics.NewSwitchMetrics(),
	}

	b.policy.Store(pol)
	return b
}

// Policy returns the snapshot new work should dispatch against. Traffic that
// is already in flight keeps the snapshot it captured at arrival.
func (b *Broker) Policy() *policy.Policy {
	return b.policy.Load()
}

// SetPolicy installs a new snapshot. Existing channels are untouched; the
// next hello, announce or call sees the new rules.
func (b *Broker) SetPolicy(pol *policy.Policy) {
	b.policy.Store(pol)
	log.Info("policy installed", "methods", len(pol.Methods()))
}

/*
ReloadPolicy parses the file into a fresh snapshot and swaps it in. A broken
file leaves the previous policy in effect.
*/
func (b *Broker) ReloadPolicy(path string) error {
	pol, err := policy.Load(path)

	if err != nil {
		log.Error("policy reload failed, keeping previous policy", "path", path, "error", err)
		return err
	}

	b.SetPolicy(pol)
	return nil
}

// Metrics exposes the counter set for the status server.
func (b *Broker) Metrics() *metrics.SwitchMetrics {
	return b.metrics
}

// ServeConn runs the read loop for a byte-stream peer until it disconnects.
func (b *Broker) ServeConn(conn net.Conn) {
	b.ServeFramer(transport.NewStream(conn, b.cfg.MaxFrame), conn.RemoteAddr().String())
}

/*
ServeFramer is the transport-agnostic accept path: every listener flavour
lands here with something that can produce and consume JSON frames. It
returns when the peer is gone and all bookkeeping is done.
*/
func (b *Broker) ServeFramer(framer transport.Framer, from string) {
	conn := newConnection(b, framer, from)

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	b.metrics.RecordConnection()
	log.Info("peer connected", "from", from)

	for {
		frame, err := framer.Next()

		if err != nil {
			if errors.Is(err, transport.ErrFrameTooBig) {
				conn.write(jsonrpc.NewError(nil, rpcerrors.ErrTooBig))
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("read ended", "from", from, "error", err)
			}
			break
		}

		b.metrics.RecordChunk()
		b.dispatch(conn, frame)

		if conn.closeAfterWrite {
			break
		}
	}

	b.disconnect(conn)
}

/*
disconnect tears one connection down: withdraw its announcements, unwind every
channel it terminates, and tell the surviving endpoints what they will never
hear back. Safe to call more than once; only the first call finds state to
clean.
*/
func (b *Broker) disconnect(conn *Connection) {
	b.mu.Lock()

	if _, ok := b.conns[conn]; !ok {
		b.mu.Unlock()
		return
	}

	delete(b.conns, conn)
	conn.stopPinger()
	conn.pending = nil

	hadMethods := len(conn.methods) > 0

	for name, wm := range conn.methods {
		b.workers.Remove(wm)
		delete(conn.methods, name)
	}

	// Collect the fan-out before releasing the lock: per unresolved request
	// where the leaver owed the answer a synthesized error, plus one
	// channel_gone per channel for the survivor.
	type farewell struct {
		survivor *Connection
		frames   []*jsonrpc.Message
	}

	var farewells []farewell

	for vci, ch := range conn.channels {
		survivor := ch.opposite(conn)
		fw := farewell{survivor: survivor}

		for key, req := range ch.reqs {
			if ch.responder(req.direction) == conn {
				fw.frames = append(fw.frames, jsonrpc.NewError(req.id, rpcerrors.ErrGone))
			} else {
				// The survivor owed this answer; releasing the entry has to
				// give back its refcount.
				survivor.refcount--
			}

			delete(ch.reqs, key)
		}

		gone, err := jsonrpc.NewNotification("rpcswitch.channel_gone", map[string]string{"channel": vci})

		if err == nil {
			fw.frames = append(fw.frames, gone)
		}

		delete(survivor.channels, vci)
		delete(ch.client.calls, ch.worker)
		delete(conn.channels, vci)

		farewells = append(farewells, fw)
	}

	conn.state = StateClosing
	b.mu.Unlock()

	for _, fw := range farewells {
		for _, msg := range fw.frames {
			fw.survivor.write(msg)
		}
	}

	conn.framer.Close()
	b.metrics.RecordDisconnect()

	if hadMethods {
		b.metrics.RecordWorker(-1)
	}

	log.Info("peer disconnected", "from", conn.from, "who", conn.who)
}

/*
pingConnection sends one liveness probe and arms the answer deadline. It runs
on the ping timer goroutine, so it re-checks that the connection is still
live under the lock before touching it.
*/
func (b *Broker) pingConnection(conn *Connection, interval time.Duration) {
	b.mu.Lock()

	if _, ok := b.conns[conn]; !ok || conn.pingTimer == nil {
		b.mu.Unlock()
		return
	}

	raw := conn.nextRequestID()

	conn.pending[jsonrpc.IDKey(raw)] = func(msg *jsonrpc.Message) {
		b.mu.Lock()
		if conn.pongTimer != nil {
			conn.pongTimer.Stop()
			conn.pongTimer = nil
		}
		b.mu.Unlock()
	}

	conn.pongTimer = time.AfterFunc(pongWait, func() {
		log.Warn("ping deadline expired", "from", conn.from, "who", conn.who)
		b.disconnect(conn)
	})

	conn.pingTimer = time.AfterFunc(interval, func() {
		b.pingConnection(conn, interval)
	})

	b.mu.Unlock()

	ping, err := jsonrpc.NewRequest(raw, "rpcswitch.ping", nil)

	if err != nil {
		return
	}

	conn.write(ping)
}

// Shutdown closes every connection. Listeners are the server's to close.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))

	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		b.disconnect(conn)
	}
}

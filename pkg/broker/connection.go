package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/theapemachine/rpcswitch-go/pkg/auth"
	"github.com/theapemachine/rpcswitch-go/pkg/jsonrpc"
	"github.com/theapemachine/rpcswitch-go/pkg/registry"
	"github.com/theapemachine/rpcswitch-go/pkg/transport"
)

// State tracks where a connection is in its lifecycle.
type State string

const (
	// StateNew is the initial state; only rpcswitch.hello is usable.
	StateNew State = "new"
	// StateAuth means hello succeeded and the peer may call and announce.
	StateAuth State = "auth"
	// StateClosing means the switch decided to drop the peer and is only
	// draining the final write.
	StateClosing State = "closing"
)

// pongWait is how long a pinged peer has to answer before it is dropped.
// A variable so tests can tighten the deadline.
var pongWait = 10 * time.Second

/*
Connection is the switch side of one accepted peer. Everything mutable on it
is guarded by the broker lock except the framer, which has its own write
mutex so responses and forwarded traffic can go out without stalling the
broker.
*/
type Connection struct {
	broker *Broker
	framer transport.Framer
	from   string

	state      State
	who        string
	workername string
	workerID   uint64

	// methods holds this connection's announcements keyed by backend name.
	// The same WorkerMethod pointers live in the broker registry.
	methods map[string]*registry.WorkerMethod

	// channels indexes every virtual channel this connection terminates,
	// regardless of which side it is on. calls additionally indexes the
	// channels where this connection is the calling side, keyed by the
	// worker endpoint, so dispatch can reuse a pair's channel.
	channels map[string]*Channel
	calls    map[*Connection]*Channel

	// refcount is the advisory number of in-flight requests this connection
	// is expected to answer. Worker selection prefers low values.
	refcount int

	// pending matches responses to requests the switch itself sent to this
	// peer (pings). The ids are drawn from an own counter with a string
	// prefix, so they can never collide with ids relayed over channels.
	pending map[string]func(*jsonrpc.Message)
	nextID  uint64

	hellos *auth.RateLimiter

	pingTimer *time.Timer
	pongTimer *time.Timer

	closeAfterWrite bool
}

func newConnection(b *Broker, framer transport.Framer, from string) *Connection {
	return &Connection{
		broker:   b,
		framer:   framer,
		from:     from,
		state:    StateNew,
		methods:  make(map[string]*registry.WorkerMethod),
		channels: make(map[string]*Channel),
		calls:    make(map[*Connection]*Channel),
		pending:  make(map[string]func(*jsonrpc.Message)),
		hellos:   auth.NewRateLimiter(5, time.Minute),
	}
}

// Refcount reports the advisory in-flight count for worker selection.
func (conn *Connection) Refcount() int {
	return conn.refcount
}

// From reports the printable peer address.
func (conn *Connection) From() string {
	return conn.from
}

// write marshals and sends one message. A failed write poisons the
// connection, so it is handed to the disconnect path in the background.
func (conn *Connection) write(msg *jsonrpc.Message) {
	buf, err := json.Marshal(msg)

	if err != nil {
		log.Error("failed to encode outgoing message", "from", conn.from, "error", err)
		return
	}

	conn.writeRaw(buf)
}

// writeRaw sends one already encoded frame.
func (conn *Connection) writeRaw(frame []byte) {
	if err := conn.framer.WriteFrame(frame); err != nil {
		log.Error("write failed", "from", conn.from, "error", err)
		go conn.broker.disconnect(conn)
	}
}

// nextRequestID mints an id for a switch-originated request. Caller holds the
// broker lock.
func (conn *Connection) nextRequestID() json.RawMessage {
	conn.nextID++
	return json.RawMessage(fmt.Sprintf(`"rpcswitch-%d"`, conn.nextID))
}

/*
startPinger arms the recurring liveness probe. It runs from the first
successful announce until the last withdraw, because only worker
connections idle long enough to need it. Caller holds the broker lock.
*/
func (conn *Connection) startPinger(interval time.Duration) {
	if conn.pingTimer != nil {
		return
	}

	conn.pingTimer = time.AfterFunc(interval, func() {
		conn.broker.pingConnection(conn, interval)
	})
}

// stopPinger cancels the probe and any armed deadline. Caller holds the
// broker lock.
func (conn *Connection) stopPinger() {
	if conn.pingTimer != nil {
		conn.pingTimer.Stop()
		conn.pingTimer = nil
	}

	if conn.pongTimer != nil {
		conn.pongTimer.Stop()
		conn.pongTimer = nil
	}
}

package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/theapemachine/rpcswitch-go/pkg/errors"
	"github.com/theapemachine/rpcswitch-go/pkg/jsonrpc"
	"github.com/theapemachine/rpcswitch-go/pkg/transport"
)

/*
Request is one forwarded call delivered to a Handler: the backend method, the
untouched params bytes, the authenticated caller the switch stamped on the
envelope, and the channel the reply must travel back on.
*/
type Request struct {
	Method string
	Params json.RawMessage
	Who    string
	VCI    string
}

// Handler serves one forwarded request. The returned value becomes the result
// member of the response; a non-nil *RpcError wins over the value.
type Handler func(ctx context.Context, req *Request) (any, *errors.RpcError)

/*
Client is one peer of the switch, caller and worker alike. A single
connection carries everything: outgoing calls, announced handlers, switch
pings, and the forwarded traffic of every channel the peer ends up on. One
reader goroutine demultiplexes the inbound frames; writes go through the
framer's own mutex.
*/
type Client struct {
	framer transport.Framer

	mu       sync.Mutex
	pending  map[string]chan *jsonrpc.Message
	handlers map[string]Handler
	gone     func(vci string)
	err      error

	// idPrefix makes this peer's request ids disjoint from every other id
	// space on its channels, including the switch's own rpcswitch-n pings.
	idPrefix string
	nextID   uint64

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to a switch over plain TCP.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)

	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	return New(conn), nil
}

// DialTLS connects to a switch over TLS.
func DialTLS(addr string, cfg *tls.Config) (*Client, error) {
	conn, err := tls.Dial("tcp", addr, cfg)

	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	return New(conn), nil
}

// New wraps an established connection and starts the read loop. Tests hand in
// one end of a net.Pipe.
func New(conn net.Conn) *Client {
	return NewFramer(transport.NewStream(conn, 0))
}

// NewFramer builds a client on any frame transport.
func NewFramer(framer transport.Framer) *Client {
	c := &Client{
		framer:   framer,
		pending:  make(map[string]chan *jsonrpc.Message),
		handlers: make(map[string]Handler),
		idPrefix: "c-" + uuid.NewString()[:8],
		closed:   make(chan struct{}),
	}

	go c.run()
	return c
}

// Close tears the connection down. Outstanding calls fail with the close
// error, handlers in flight finish but their replies go nowhere.
func (c *Client) Close() error {
	c.fail(net.ErrClosed)
	return c.framer.Close()
}

// Err reports why the connection died, nil while it is alive.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection is gone, whichever side ended it.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// OnChannelGone registers a callback for rpcswitch.channel_gone
// notifications, fired when the opposite end of a channel disconnects.
func (c *Client) OnChannelGone(fn func(vci string)) {
	c.mu.Lock()
	c.gone = fn
	c.mu.Unlock()
}

func (c *Client) fail(err error) {
	c.mu.Lock()

	if c.err == nil {
		c.err = err
	}

	waiters := c.pending
	c.pending = make(map[string]chan *jsonrpc.Message)
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closed) })

	for _, ch := range waiters {
		close(ch)
	}
}

/*
run is the demultiplexer: responses feed the pending table, requests carrying
a channel envelope run the announced handler, and the switch's own traffic
(pings, channel_gone) is answered inline. It exits when the framer does.
*/
func (c *Client) run() {
	for {
		frame, err := c.framer.Next()

		if err != nil {
			c.fail(err)
			return
		}

		var msg jsonrpc.Message

		if err := json.Unmarshal(frame, &msg); err != nil {
			log.Debug("dropping unparseable frame from switch", "error", err)
			continue
		}

		switch {
		case msg.IsResponse():
			c.settle(&msg)
		case msg.Method == "rpcswitch.ping":
			c.answerPing(&msg)
		case msg.Method == "rpcswitch.channel_gone":
			c.channelGone(&msg)
		case msg.IsRequest() && msg.Switch != nil:
			go c.serve(&msg)
		default:
			log.Debug("dropping unexpected frame", "method", msg.Method)
		}
	}
}

func (c *Client) settle(msg *jsonrpc.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.IDKey()]

	if ok {
		delete(c.pending, msg.IDKey())
	}
	c.mu.Unlock()

	if !ok {
		log.Debug("dropping response matching no call", "id", string(msg.ID))
		return
	}

	ch <- msg
}

func (c *Client) answerPing(msg *jsonrpc.Message) {
	if !msg.HasID() {
		return
	}

	pong, err := jsonrpc.NewResult(msg.ID, "pong?")

	if err != nil {
		return
	}

	c.write(pong)
}

func (c *Client) channelGone(msg *jsonrpc.Message) {
	var params struct {
		Channel string `json:"channel"`
	}

	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return
	}

	log.Info("channel gone", "vci", params.Channel)

	c.mu.Lock()
	fn := c.gone
	c.mu.Unlock()

	if fn != nil {
		fn(params.Channel)
	}
}

/*
serve runs the announced handler for one forwarded request and sends the
response back over the same channel. Notifications run the handler too but
produce no reply. A missing handler answers method-not-found, so a stale
announcement fails loudly instead of hanging the caller.
*/
func (c *Client) serve(msg *jsonrpc.Message) {
	c.mu.Lock()
	handler, ok := c.handlers[msg.Method]
	c.mu.Unlock()

	envelope := &jsonrpc.Envelope{VCookie: jsonrpc.VCookie, VCI: msg.Switch.VCI}

	if !ok {
		if msg.HasID() {
			reply := jsonrpc.NewError(msg.ID, errors.ErrMethodNotFound.WithMessagef("no handler for %s", msg.Method))
			reply.Switch = envelope
			c.write(reply)
		}
		return
	}

	req := &Request{
		Method: msg.Method,
		Params: msg.Params,
		Who:    msg.Switch.Who,
		VCI:    msg.Switch.VCI,
	}

	result, rpcErr := runHandler(handler, req)

	if !msg.HasID() {
		return
	}

	var reply *jsonrpc.Message

	if rpcErr != nil {
		reply = jsonrpc.NewError(msg.ID, rpcErr)
	} else {
		var err error

		if reply, err = jsonrpc.NewResult(msg.ID, result); err != nil {
			log.Error("failed to encode handler result", "method", msg.Method, "error", err)
			reply = jsonrpc.NewError(msg.ID, errors.ErrInternal)
		}
	}

	reply.Switch = envelope
	c.write(reply)
}

// runHandler is the recovery boundary around application handlers, the same
// role the switch's dispatcher plays for its internal methods.
func runHandler(handler Handler, req *Request) (result any, rpcErr *errors.RpcError) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "method", req.Method, "panic", r)
			result = nil
			rpcErr = errors.ErrHandlerThrew.WithMessagef("%s: %v", req.Method, r)
		}
	}()

	return handler(context.Background(), req)
}

func (c *Client) write(msg *jsonrpc.Message) {
	buf, err := json.Marshal(msg)

	if err != nil {
		log.Error("failed to encode outgoing message", "error", err)
		return
	}

	if err := c.framer.WriteFrame(buf); err != nil {
		c.fail(err)
	}
}

// call is the shared request path: mint an id, park a waiter, write, wait.
func (c *Client) call(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	key := jsonrpc.IDKey(msg.ID)
	waiter := make(chan *jsonrpc.Message, 1)

	c.mu.Lock()

	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}

	c.pending[key] = waiter
	c.mu.Unlock()

	c.write(msg)

	select {
	case reply, ok := <-waiter:
		if !ok {
			return nil, c.Err()
		}
		return reply, nil

	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) nextRequestID() json.RawMessage {
	c.mu.Lock()
	c.nextID++
	id := fmt.Sprintf(`"%s-%d"`, c.idPrefix, c.nextID)
	c.mu.Unlock()

	return json.RawMessage(id)
}

/*
Call invokes a method through the switch and returns the raw result bytes. An
error response comes back as *errors.RpcError so callers can match on the
code.
*/
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, err := jsonrpc.NewRequest(c.nextRequestID(), method, params)

	if err != nil {
		return nil, fmt.Errorf("failed to encode params for %s: %w", method, err)
	}

	reply, err := c.call(ctx, req)

	if err != nil {
		return nil, err
	}

	if reply.Error != nil {
		return nil, reply.Error
	}

	return reply.Result, nil
}

// CallInto invokes a method and decodes the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params, out any) error {
	result, err := c.Call(ctx, method, params)

	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	return json.Unmarshal(result, out)
}

// Notify invokes a method without expecting a response.
func (c *Client) Notify(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)

	if err != nil {
		return fmt.Errorf("failed to encode params for %s: %w", method, err)
	}

	c.write(msg)
	return c.Err()
}

/*
CallPeer sends a request to the opposite endpoint of an established channel,
the way a worker calls back into its client mid-request. The switch relays it
untouched and routes the response back here.
*/
func (c *Client) CallPeer(ctx context.Context, vci, method string, params any) (json.RawMessage, error) {
	req, err := jsonrpc.NewRequest(c.nextRequestID(), method, params)

	if err != nil {
		return nil, fmt.Errorf("failed to encode params for %s: %w", method, err)
	}

	req.Switch = &jsonrpc.Envelope{VCookie: jsonrpc.VCookie, VCI: vci}

	reply, err := c.call(ctx, req)

	if err != nil {
		return nil, err
	}

	if reply.Error != nil {
		return nil, reply.Error
	}

	return reply.Result, nil
}

// Hello authenticates the connection. Every other operation fails with
// bad-state until this succeeds.
func (c *Client) Hello(ctx context.Context, authMethod, who, token string) error {
	var result struct {
		Msg string `json:"msg"`
		Who string `json:"who"`
	}

	if err := c.CallInto(ctx, "rpcswitch.hello", map[string]string{
		"method": authMethod,
		"who":    who,
		"token":  token,
	}, &result); err != nil {
		return err
	}

	log.Debug("authenticated", "who", result.Who)
	return nil
}

/*
Announcement declares one backend method this peer serves. Filter must carry
exactly the key the switch's policy prescribes for the backend, and must be
absent for unfiltered backends.
*/
type Announcement struct {
	Method     string         `json:"method"`
	Workername string         `json:"workername,omitempty"`
	Doc        string         `json:"doc,omitempty"`
	Filter     map[string]any `json:"filter,omitempty"`

	Handler Handler `json:"-"`
}

/*
Announce registers a handler and tells the switch this peer serves the
backend. The handler starts receiving forwarded requests before Announce
returns, since the switch may dispatch as soon as it registers the worker.
*/
func (c *Client) Announce(ctx context.Context, a Announcement) (uint64, error) {
	if a.Handler == nil {
		return 0, fmt.Errorf("announce %s: handler is required", a.Method)
	}

	c.mu.Lock()
	c.handlers[a.Method] = a.Handler
	c.mu.Unlock()

	var result struct {
		Msg      string `json:"msg"`
		WorkerID uint64 `json:"worker_id"`
	}

	if err := c.CallInto(ctx, "rpcswitch.announce", a, &result); err != nil {
		c.mu.Lock()
		delete(c.handlers, a.Method)
		c.mu.Unlock()
		return 0, err
	}

	log.Info("announced", "method", a.Method, "worker_id", result.WorkerID)
	return result.WorkerID, nil
}

// Withdraw tells the switch to stop routing the backend here and drops the
// handler.
func (c *Client) Withdraw(ctx context.Context, method string) error {
	if _, err := c.Call(ctx, "rpcswitch.withdraw", map[string]string{"method": method}); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.handlers, method)
	c.mu.Unlock()

	return nil
}

// Ping round-trips an application-level liveness probe.
func (c *Client) Ping(ctx context.Context) error {
	var pong string

	if err := c.CallInto(ctx, "rpcswitch.ping", map[string]any{}, &pong); err != nil {
		return err
	}

	if pong != "pong?" {
		return fmt.Errorf("unexpected pong %q", pong)
	}

	return nil
}

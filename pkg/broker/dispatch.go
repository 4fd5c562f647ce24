package broker

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	rpcerrors "github.com/theapemachine/rpcswitch-go/pkg/errors"
	"github.com/theapemachine/rpcswitch-go/pkg/jsonrpc"
	"github.com/theapemachine/rpcswitch-go/pkg/policy"
	"github.com/theapemachine/rpcswitch-go/pkg/registry"
)

/*
dispatch handles one parsed-or-not frame from a peer. Decision order:
responses are matched against channel traffic and then against the switch's
own outstanding requests; requests carrying a channel envelope are relayed;
requests naming a reserved method run locally; requests naming a policy
method are forwarded to a worker; everything else is refused.
*/
func (b *Broker) dispatch(conn *Connection, frame []byte) {
	var msg jsonrpc.Message

	if err := json.Unmarshal(frame, &msg); err != nil {
		log.Debug("unparseable frame", "from", conn.from, "error", err)
		conn.write(jsonrpc.NewError(nil, rpcerrors.ErrParse))
		return
	}

	switch {
	case msg.IsResponse():
		b.handleResponse(conn, &msg, frame)
	case msg.IsRequest():
		b.handleRequest(conn, &msg, frame)
	default:
		conn.write(jsonrpc.NewError(msg.ID, rpcerrors.ErrInvalidRequest))
	}
}

func (b *Broker) handleRequest(conn *Connection, msg *jsonrpc.Message, frame []byte) {
	if msg.Switch != nil {
		b.forwardRequest(conn, msg, frame)
		return
	}

	if msg.JSONRPC != "2.0" {
		b.refuse(conn, msg, rpcerrors.ErrInvalidRequest)
		return
	}

	if im, ok := internalMethods[msg.Method]; ok {
		b.dispatchInternal(conn, msg, im)
		return
	}

	pol := b.Policy()

	if m := pol.Method(msg.Method); m != nil {
		b.dispatchExternal(conn, msg, pol, m)
		return
	}

	b.refuse(conn, msg, rpcerrors.ErrMethodNotFound)
}

// refuse answers a failed request, or just logs it when the peer did not ask
// for an answer.
func (b *Broker) refuse(conn *Connection, msg *jsonrpc.Message, rpcErr *rpcerrors.RpcError) {
	if !msg.HasID() {
		log.Debug("dropping failed notification",
			"from", conn.from, "method", msg.Method, "code", rpcErr.Code)
		return
	}

	conn.write(jsonrpc.NewError(msg.ID, rpcErr))
}

/*
forwardRequest relays an in-channel request to the opposite endpoint. The
frame goes out byte for byte as it came in; the switch only records the id so
the response finds its way back and the refcount stays honest.
*/
func (b *Broker) forwardRequest(conn *Connection, msg *jsonrpc.Message, frame []byte) {
	if !msg.Switch.Valid() {
		b.refuse(conn, msg, rpcerrors.ErrBadChannel)
		return
	}

	b.mu.Lock()
	ch, ok := conn.channels[msg.Switch.VCI]

	if !ok {
		b.mu.Unlock()
		b.refuse(conn, msg, rpcerrors.ErrNoChannel)
		return
	}

	dest := ch.opposite(conn)

	if msg.HasID() {
		ch.reqs[msg.IDKey()] = &channelRequest{
			direction: ch.direction(conn),
			id:        msg.ID,
		}
		dest.refcount++
	}
	b.mu.Unlock()

	dest.writeRaw(frame)
	b.metrics.RecordForward(true)
}

/*
handleResponse routes an answer back to whoever asked. A response with a
channel envelope goes straight to its channel; one without is matched against
every channel this connection owes an answer on, and failing that against
the switch's own outstanding requests. Anything unmatched is dropped, because
answering a response with an error would just bounce between peers.
*/
func (b *Broker) handleResponse(conn *Connection, msg *jsonrpc.Message, frame []byte) {
	key := msg.IDKey()

	if msg.Switch != nil {
		if !msg.Switch.Valid() {
			log.Debug("dropping response with malformed envelope", "from", conn.from)
			b.metrics.RecordDrop()
			return
		}

		b.mu.Lock()
		var dest *Connection

		if ch, ok := conn.channels[msg.Switch.VCI]; ok {
			dest = ch.settle(key)
		}
		b.mu.Unlock()

		if dest == nil {
			log.Debug("dropping response for unknown channel or request",
				"from", conn.from, "vci", msg.Switch.VCI)
			b.metrics.RecordDrop()
			return
		}

		dest.writeRaw(frame)
		b.metrics.RecordForward(false)
		return
	}

	b.mu.Lock()
	var dest *Connection

	for _, ch := range conn.channels {
		if req, ok := ch.reqs[key]; ok && ch.responder(req.direction) == conn {
			dest = ch.settle(key)
			break
		}
	}

	var fn func(*jsonrpc.Message)

	if dest == nil {
		if pending, ok := conn.pending[key]; ok {
			fn = pending
			delete(conn.pending, key)
		}
	}
	b.mu.Unlock()

	if dest != nil {
		dest.writeRaw(frame)
		b.metrics.RecordForward(false)
		return
	}

	if fn != nil {
		fn(msg)
		return
	}

	log.Debug("dropping unmatched response", "from", conn.from)
	b.metrics.RecordDrop()
}

/*
dispatchExternal turns a policy method call into a forwarded request: access
checks, worker selection, channel bookkeeping, and the envelope rewrite. The
params bytes are never touched, so whatever the caller sent is exactly what
the worker decodes.
*/
func (b *Broker) dispatchExternal(conn *Connection, msg *jsonrpc.Message, pol *policy.Policy, m *policy.Method) {
	b.mu.Lock()
	state, who := conn.state, conn.who
	b.mu.Unlock()

	if state != StateAuth {
		b.refuse(conn, msg, rpcerrors.ErrBadState)
		return
	}

	if !strings.Contains(msg.Method, ".") {
		b.refuse(conn, msg, rpcerrors.ErrNoNamespace)
		return
	}

	aclNames, ok := pol.MethodACL(msg.Method)

	if !ok {
		b.refuse(conn, msg, rpcerrors.ErrNoACL)
		return
	}

	if !pol.CheckACL(aclNames, who) {
		b.refuse(conn, msg, rpcerrors.ErrNotAllowed)
		return
	}

	backend := m.Backend
	filterKey, filtered := pol.FilterKey(backend)

	var filterValue string

	if filtered {
		value, ok := extractFilterValue(msg.Params, filterKey)

		if !ok {
			b.refuse(conn, msg, rpcerrors.ErrBadParam.WithMessagef(
				"method %s requires scalar param %q", msg.Method, filterKey))
			return
		}

		filterValue = value
	}

	b.mu.Lock()

	var wm *registry.WorkerMethod

	if filtered {
		wm = b.workers.PickFiltered(backend, filterValue)
	} else {
		wm = b.workers.Pick(backend)
	}

	if wm == nil {
		b.mu.Unlock()
		b.refuse(conn, msg, rpcerrors.ErrNoWorker.WithMessagef("no worker for %s", msg.Method))
		return
	}

	worker := wm.Conn.(*Connection)
	ch := conn.calls[worker]

	if ch == nil {
		ch = newChannel(conn, worker)
		conn.calls[worker] = ch
		conn.channels[ch.vci] = ch
		worker.channels[ch.vci] = ch
	}

	if msg.HasID() {
		ch.reqs[msg.IDKey()] = &channelRequest{direction: +1, id: msg.ID}
		worker.refcount++
	}

	vci := ch.vci
	b.mu.Unlock()

	m.CountCall()

	out := &jsonrpc.Message{
		JSONRPC: "2.0",
		ID:      msg.ID,
		Method:  backend,
		Params:  msg.Params,
		Switch: &jsonrpc.Envelope{
			VCookie: jsonrpc.VCookie,
			VCI:     vci,
			Who:     who,
		},
	}

	worker.write(out)
	b.metrics.RecordForward(true)
}

/*
extractFilterValue pulls the routing value out of the params object. Only a
defined scalar counts; null, arrays and objects refuse the call rather than
silently matching nothing.
*/
func extractFilterValue(params json.RawMessage, key string) (string, bool) {
	var fields map[string]json.RawMessage

	if err := json.Unmarshal(params, &fields); err != nil {
		return "", false
	}

	raw, ok := fields[key]

	if !ok {
		return "", false
	}

	return scalarString(raw)
}

// scalarString canonicalizes a JSON scalar into the string form used for
// filter buckets, so announcements and calls agree on 1 vs 1.0.
func scalarString(raw json.RawMessage) (string, bool) {
	var value any

	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}

	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

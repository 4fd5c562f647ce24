package broker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	rpcerrors "github.com/theapemachine/rpcswitch-go/pkg/errors"
	"github.com/theapemachine/rpcswitch-go/pkg/jsonrpc"
	"github.com/theapemachine/rpcswitch-go/pkg/registry"
)

// helloTimeout bounds one auth backend round trip.
const helloTimeout = 10 * time.Second

type internalHandler func(b *Broker, conn *Connection, msg *jsonrpc.Message) (any, *rpcerrors.RpcError)

type internalMethod struct {
	handler internalHandler

	// anyState marks the methods usable before authentication.
	anyState bool
}

// internalMethods is the reserved method table. Everything else the switch
// sees is either channel traffic or a policy method.
var internalMethods = map[string]internalMethod{
	"rpcswitch.hello":              {handler: (*Broker).handleHello, anyState: true},
	"rpcswitch.ping":               {handler: (*Broker).handlePing},
	"rpcswitch.announce":           {handler: (*Broker).handleAnnounce},
	"rpcswitch.withdraw":           {handler: (*Broker).handleWithdraw},
	"rpcswitch.get_clients":        {handler: (*Broker).handleGetClients},
	"rpcswitch.get_methods":        {handler: (*Broker).handleGetMethods},
	"rpcswitch.get_method_details": {handler: (*Broker).handleGetMethodDetails},
	"rpcswitch.get_workers":        {handler: (*Broker).handleGetWorkers},
	"rpcswitch.get_stats":          {handler: (*Broker).handleGetStats},
}

/*
dispatchInternal runs one reserved method with the envelope checks applied
first: connection state, named params, and a present id. A handler that
panics answers the caller instead of killing the read loop.
*/
func (b *Broker) dispatchInternal(conn *Connection, msg *jsonrpc.Message, im internalMethod) {
	if !im.anyState {
		b.mu.Lock()
		state := conn.state
		b.mu.Unlock()

		if state != StateAuth {
			b.refuse(conn, msg, rpcerrors.ErrBadState)
			return
		}
	}

	if !msg.ParamsAreObject() {
		b.refuse(conn, msg, rpcerrors.ErrInvalidParams)
		return
	}

	if !msg.HasID() {
		conn.write(jsonrpc.NewError(nil, rpcerrors.ErrNotNotification))
		return
	}

	result, rpcErr := b.invoke(conn, msg, im.handler)

	if rpcErr != nil {
		conn.write(jsonrpc.NewError(msg.ID, rpcErr))
		return
	}

	response, err := jsonrpc.NewResult(msg.ID, result)

	if err != nil {
		log.Error("failed to encode result", "method", msg.Method, "error", err)
		conn.write(jsonrpc.NewError(msg.ID, rpcerrors.ErrInternal))
		return
	}

	conn.write(response)
}

// invoke is the recovery boundary around internal handlers.
func (b *Broker) invoke(conn *Connection, msg *jsonrpc.Message, handler internalHandler) (result any, rpcErr *rpcerrors.RpcError) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("internal handler panicked", "method", msg.Method, "panic", r)
			result = nil
			rpcErr = rpcerrors.ErrHandlerThrew.WithMessagef("%s: %v", msg.Method, r)
		}
	}()

	return handler(b, conn, msg)
}

type helloParams struct {
	Method string `json:"method"`
	Who    string `json:"who"`
	Token  string `json:"token"`
}

/*
handleHello authenticates the connection. The verifier decides; on success
the peer may call and announce, on failure it gets one error response and
the connection closes once the response is on the wire.
*/
func (b *Broker) handleHello(conn *Connection, msg *jsonrpc.Message) (any, *rpcerrors.RpcError) {
	var params helloParams

	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, rpcerrors.ErrInvalidParams.WithMessagef("hello: %v", err)
	}

	if params.Method == "" || params.Who == "" {
		return nil, rpcerrors.ErrHandlerThrew.WithMessagef("hello: method and who are required")
	}

	if !conn.hellos.Allow() {
		return nil, rpcerrors.ErrHandlerThrew.WithMessagef("hello: too many attempts")
	}

	ctx, cancel := context.WithTimeout(context.Background(), helloTimeout)
	defer cancel()

	if err := b.verifier.Verify(ctx, params.Method, params.Who, params.Token); err != nil {
		b.metrics.RecordAuthFailure()
		log.Warn("authentication failed",
			"from", conn.from, "who", params.Who, "method", params.Method, "error", err)

		b.mu.Lock()
		conn.state = StateClosing
		conn.closeAfterWrite = true
		b.mu.Unlock()

		return nil, rpcerrors.ErrHandlerThrew.WithMessagef("authentication failed: %v", err)
	}

	b.mu.Lock()
	conn.state = StateAuth
	conn.who = params.Who
	b.mu.Unlock()

	log.Info("peer authenticated", "from", conn.from, "who", params.Who, "method", params.Method)

	return map[string]string{"msg": "welcome", "who": params.Who}, nil
}

// handlePing answers the application-level liveness probe.
func (b *Broker) handlePing(conn *Connection, msg *jsonrpc.Message) (any, *rpcerrors.RpcError) {
	return "pong?", nil
}

type announceParams struct {
	Method     string         `json:"method"`
	Workername string         `json:"workername,omitempty"`
	Doc        string         `json:"doc,omitempty"`
	Filter     map[string]any `json:"filter,omitempty"`
}

/*
handleAnnounce registers the connection as a worker for one backend method.
The backend ACL controls who may announce, and the policy's filter key for
the backend dictates whether the announcement must carry a filter value.
*/
func (b *Broker) handleAnnounce(conn *Connection, msg *jsonrpc.Message) (any, *rpcerrors.RpcError) {
	var params announceParams

	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, rpcerrors.ErrInvalidParams.WithMessagef("announce: %v", err)
	}

	if params.Method == "" {
		return nil, rpcerrors.ErrHandlerThrew.WithMessagef("announce: method is required")
	}

	if !strings.Contains(params.Method, ".") {
		return nil, rpcerrors.ErrNoNamespace
	}

	pol := b.Policy()
	aclNames, ok := pol.BackendACL(params.Method)

	if !ok {
		return nil, rpcerrors.ErrNoACL.WithMessagef("no backend acl for %s", params.Method)
	}

	filterKey, filtered := pol.FilterKey(params.Method)

	var filterValue string

	if filtered {
		if len(params.Filter) != 1 {
			return nil, rpcerrors.ErrHandlerThrew.WithMessagef(
				"announce: filter must contain exactly the key %q", filterKey)
		}

		raw, ok := params.Filter[filterKey]

		if !ok {
			return nil, rpcerrors.ErrHandlerThrew.WithMessagef(
				"announce: filter must contain exactly the key %q", filterKey)
		}

		value, ok := filterScalar(raw)

		if !ok {
			return nil, rpcerrors.ErrHandlerThrew.WithMessagef(
				"announce: filter value for %q must be a defined scalar", filterKey)
		}

		filterValue = value
	} else if params.Filter != nil {
		return nil, rpcerrors.ErrHandlerThrew.WithMessagef(
			"announce: %s takes no filter", params.Method)
	}

	b.mu.Lock()

	if !pol.CheckACL(aclNames, conn.who) {
		b.mu.Unlock()
		return nil, rpcerrors.ErrNoACL.WithMessagef("%s may not announce %s", conn.who, params.Method)
	}

	if _, dup := conn.methods[params.Method]; dup {
		b.mu.Unlock()
		return nil, rpcerrors.ErrHandlerThrew.WithMessagef("announce: %s already announced", params.Method)
	}

	wm := &registry.WorkerMethod{
		Method:      params.Method,
		Conn:        conn,
		Doc:         params.Doc,
		FilterKey:   filterKey,
		FilterValue: filterValue,
	}

	if err := b.workers.Add(wm); err != nil {
		b.mu.Unlock()
		return nil, rpcerrors.ErrHandlerThrew.WithMessagef("announce: %v", err)
	}

	conn.methods[params.Method] = wm
	first := len(conn.methods) == 1

	if conn.workerID == 0 {
		b.lastWorkerID++
		conn.workerID = b.lastWorkerID
	}

	if conn.workername == "" {
		if params.Workername != "" {
			conn.workername = params.Workername
		} else {
			conn.workername = conn.who
		}
	}

	if first {
		conn.startPinger(b.cfg.pingInterval())
	}

	workerID := conn.workerID
	b.mu.Unlock()

	if first {
		b.metrics.RecordWorker(1)
	}

	log.Info("worker announced",
		"from", conn.from, "who", conn.who, "method", params.Method,
		"worker_id", workerID, "filter", filterValue)

	return map[string]any{"msg": "success", "worker_id": workerID}, nil
}

type withdrawParams struct {
	Method string `json:"method"`
}

// handleWithdraw reverses one announce. When the last announcement goes, the
// connection stops being a worker and its ping timer is disarmed.
func (b *Broker) handleWithdraw(conn *Connection, msg *jsonrpc.Message) (any, *rpcerrors.RpcError) {
	var params withdrawParams

	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, rpcerrors.ErrInvalidParams.WithMessagef("withdraw: %v", err)
	}

	b.mu.Lock()
	wm, ok := conn.methods[params.Method]

	if !ok {
		b.mu.Unlock()
		return nil, rpcerrors.ErrHandlerThrew.WithMessagef("withdraw: %s is not announced", params.Method)
	}

	b.workers.Remove(wm)
	delete(conn.methods, params.Method)

	last := len(conn.methods) == 0

	if last {
		conn.stopPinger()
	}
	b.mu.Unlock()

	if last {
		b.metrics.RecordWorker(-1)
	}

	log.Info("worker withdrew", "from", conn.from, "who", conn.who, "method", params.Method)

	return true, nil
}

func (b *Broker) handleGetClients(conn *Connection, msg *jsonrpc.Message) (any, *rpcerrors.RpcError) {
	return b.Clients(), nil
}

func (b *Broker) handleGetMethods(conn *Connection, msg *jsonrpc.Message) (any, *rpcerrors.RpcError) {
	return b.MethodList(), nil
}

type methodDetailsParams struct {
	Method string `json:"method"`
}

func (b *Broker) handleGetMethodDetails(conn *Connection, msg *jsonrpc.Message) (any, *rpcerrors.RpcError) {
	var params methodDetailsParams

	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, rpcerrors.ErrInvalidParams.WithMessagef("get_method_details: %v", err)
	}

	details, ok := b.MethodDetails(params.Method)

	if !ok {
		return nil, rpcerrors.ErrMethodNotFound.WithMessagef("no method %q", params.Method)
	}

	return details, nil
}

func (b *Broker) handleGetWorkers(conn *Connection, msg *jsonrpc.Message) (any, *rpcerrors.RpcError) {
	return b.Workers(), nil
}

func (b *Broker) handleGetStats(conn *Connection, msg *jsonrpc.Message) (any, *rpcerrors.RpcError) {
	return b.Stats(), nil
}

// filterScalar canonicalizes an already-decoded filter value the same way
// the dispatch path canonicalizes the raw param bytes.
func filterScalar(value any) (string, bool) {
	buf, err := json.Marshal(value)

	if err != nil {
		return "", false
	}

	return scalarString(buf)
}

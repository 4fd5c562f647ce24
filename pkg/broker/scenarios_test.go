package broker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theapemachine/rpcswitch-go/pkg/jsonrpc"
	"github.com/theapemachine/rpcswitch-go/pkg/policy"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

/*
TestCallRoundTrip walks the whole happy path: a worker announces, a client
calls, the switch rewrites and forwards, the worker answers over the channel,
and the caller gets the result. Along the way it checks the envelope, the
untouched params bytes, and the bookkeeping the round trip leaves behind.
*/
func TestCallRoundTrip(t *testing.T) {
	b := testBroker(t, Config{})

	w := connect(t, b, "pipe:w")
	w.hello("alice", "secret")
	w.announce("foo.bar", nil)

	c := connect(t, b, "pipe:c")
	c.hello("bob", "hunter2")

	c.sendRaw([]byte(`{"jsonrpc":"2.0","id":1,"method":"foo.bar","params":{"x":1}}`))

	req := w.recv()
	require.Equal(t, "foo.bar", req.Method)
	assert.Equal(t, `{"x":1}`, string(req.Params), "params must be forwarded byte for byte")
	assert.Equal(t, "1", string(req.ID))

	require.NotNil(t, req.Switch)
	assert.Equal(t, "eatme", req.Switch.VCookie)
	assert.NotEmpty(t, req.Switch.VCI)
	assert.Equal(t, "bob", req.Switch.Who)

	// Both endpoints hold the same channel under the same vci while the
	// request is in flight, and the worker carries the refcount.
	wc, cc := connByName(b, "pipe:w"), connByName(b, "pipe:c")
	b.mu.Lock()
	assert.Same(t, cc.channels[req.Switch.VCI], wc.channels[req.Switch.VCI])
	assert.Equal(t, 1, wc.refcount)
	assert.Equal(t, 0, cc.refcount)
	b.mu.Unlock()

	w.reply(req, map[string]bool{"ok": true})

	res := c.recv()
	assert.Equal(t, "1", string(res.ID))
	assert.Nil(t, res.Error)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))

	// Settled: the refcount is back to zero but the channel stays for the
	// next call of the pair.
	b.mu.Lock()
	assert.Equal(t, 0, wc.refcount)
	assert.Len(t, wc.channels, 1)
	b.mu.Unlock()

	c.call(2, "rpcswitch.get_stats", map[string]any{})
	stats := c.recv()
	require.Nil(t, stats.Error)

	var parsed Stats
	require.NoError(t, json.Unmarshal(stats.Result, &parsed))
	assert.Equal(t, uint64(1), parsed.Methods["foo.bar"])
	assert.Equal(t, int64(1), parsed.Workers)
	assert.Equal(t, int64(2), parsed.Clients)
	assert.Positive(t, parsed.Chunks)
}

func TestCallDeniedByACL(t *testing.T) {
	b := testBroker(t, Config{})

	w := connect(t, b, "pipe:w")
	w.hello("alice", "secret")
	w.announce("secure.op", nil)

	c := connect(t, b, "pipe:c")
	c.hello("bob", "hunter2")

	c.call(1, "secure.op", map[string]any{})
	expectError(t, c.recv(), -32009)

	// And the worker never hears about it.
	w.quiet(100 * time.Millisecond)

	// carol is in the trusted acl, so the same call goes through.
	trusted := connect(t, b, "pipe:carol")
	trusted.hello("carol", "letmein")
	trusted.call(2, "secure.op", map[string]any{})

	req := w.recv()
	assert.Equal(t, "secure.op", req.Method)
	assert.Equal(t, "carol", req.Switch.Who)
}

func TestCallWithoutWorker(t *testing.T) {
	b := testBroker(t, Config{})

	c := connect(t, b, "pipe:c")
	c.hello("bob", "hunter2")

	// foo.bar is in the policy but nobody announced it.
	c.call(1, "foo.bar", map[string]any{})
	expectError(t, c.recv(), -32003)
}

/*
TestFilteredDispatch routes calls by the region parameter: each worker
announced one region, a call carries one, and only the matching bucket is
eligible.
*/
func TestFilteredDispatch(t *testing.T) {
	b := testBroker(t, Config{})

	eu := connect(t, b, "pipe:eu")
	eu.hello("alice", "secret")
	eu.announce("geo.route", map[string]any{"region": "eu"})

	us := connect(t, b, "pipe:us")
	us.hello("alice", "secret")
	us.announce("geo.route", map[string]any{"region": "us"})

	c := connect(t, b, "pipe:c")
	c.hello("bob", "hunter2")

	c.call(1, "geo.route", map[string]any{"region": "us", "dest": "somewhere"})

	req := us.recv()
	assert.Equal(t, "geo.route", req.Method)
	eu.quiet(100 * time.Millisecond)

	// Missing filter parameter refuses the call before selection.
	c.call(2, "geo.route", map[string]any{})
	expectError(t, c.recv(), -32010)

	// A value nobody announced has no worker.
	c.call(3, "geo.route", map[string]any{"region": "apac"})
	expectError(t, c.recv(), -32003)

	// Numeric filter values canonicalize, so an announced 1 matches a
	// called 1.0.
	num := connect(t, b, "pipe:num")
	num.hello("alice", "secret")
	num.announce("geo.route", map[string]any{"region": 1})

	c.sendRaw([]byte(`{"jsonrpc":"2.0","id":4,"method":"geo.route","params":{"region":1.0}}`))
	req = num.recv()
	assert.Equal(t, "geo.route", req.Method)
}

/*
TestRoundRobinSelection checks the two selection laws: equal refcounts spread
consecutive calls one per worker, and a loaded worker is skipped while idle
ones exist.
*/
func TestRoundRobinSelection(t *testing.T) {
	b := testBroker(t, Config{})

	workers := []*peer{
		connect(t, b, "pipe:w1"),
		connect(t, b, "pipe:w2"),
		connect(t, b, "pipe:w3"),
	}

	for _, w := range workers {
		w.hello("alice", "secret")
		w.announce("foo.bar", nil)
	}

	c := connect(t, b, "pipe:c")
	c.hello("bob", "hunter2")

	// Three calls with equal refcounts land one per worker.
	for id := 1; id <= 3; id++ {
		c.call(id, "foo.bar", map[string]any{"n": id})
	}

	held := make([]*jsonrpc.Message, len(workers))

	for i, w := range workers {
		held[i] = w.recv()
		w.quiet(50 * time.Millisecond)
	}

	// Two workers answer and drop back to zero in-flight; the first keeps
	// holding its request.
	for i := 1; i < 3; i++ {
		workers[i].reply(held[i], "done")
		require.Nil(t, c.recv().Error)
	}

	// The next calls go to the idle workers, never the loaded one.
	c.call(4, "foo.bar", map[string]any{})
	c.call(5, "foo.bar", map[string]any{})

	for _, w := range workers[1:] {
		assert.Equal(t, "foo.bar", w.recv().Method)
	}

	workers[0].quiet(100 * time.Millisecond)
}

/*
TestWorkerDisconnectMidCall covers the cleanup fan-out: the caller of every
unanswered request gets a synthesized gone error, then one channel_gone per
channel, and the channel stops existing on the survivor.
*/
func TestWorkerDisconnectMidCall(t *testing.T) {
	b := testBroker(t, Config{})

	w := connect(t, b, "pipe:w")
	w.hello("alice", "secret")
	w.announce("foo.bar", nil)

	c := connect(t, b, "pipe:c")
	c.hello("bob", "hunter2")

	c.call(7, "foo.bar", map[string]any{"x": 1})
	req := w.recv()
	vci := req.Switch.VCI

	// The worker dies with the request still open.
	w.conn.Close()

	gone := c.recv()
	assert.Equal(t, "7", string(gone.ID))
	require.NotNil(t, gone.Error)
	assert.Equal(t, -32006, gone.Error.Code)

	note := c.recv()
	assert.Equal(t, "rpcswitch.channel_gone", note.Method)
	assert.False(t, note.HasID())
	assert.JSONEq(t, `{"channel":"`+vci+`"}`, string(note.Params))

	// The survivor's channel table is clean and nothing else arrives for
	// that vci.
	cc := connByName(b, "pipe:c")
	b.mu.Lock()
	assert.Empty(t, cc.channels)
	assert.Equal(t, 0, cc.refcount)
	b.mu.Unlock()

	// With the only worker gone the backend is unserved again.
	c.call(8, "foo.bar", map[string]any{})
	expectError(t, c.recv(), -32003)
}

/*
TestClientDisconnectMidCall is the mirror image: the caller leaves, the
worker's in-flight request is written off, and the worker learns the channel
died without getting a synthesized error (it owed the answer, not the other
way round).
*/
func TestClientDisconnectMidCall(t *testing.T) {
	b := testBroker(t, Config{})

	w := connect(t, b, "pipe:w")
	w.hello("alice", "secret")
	w.announce("foo.bar", nil)

	c := connect(t, b, "pipe:c")
	c.hello("bob", "hunter2")

	c.call(1, "foo.bar", map[string]any{})
	req := w.recv()

	wc := connByName(b, "pipe:w")
	c.conn.Close()

	note := w.recv()
	assert.Equal(t, "rpcswitch.channel_gone", note.Method)
	assert.JSONEq(t, `{"channel":"`+req.Switch.VCI+`"}`, string(note.Params))

	b.mu.Lock()
	assert.Equal(t, 0, wc.refcount, "the written-off request must give back its refcount")
	assert.Empty(t, wc.channels)
	b.mu.Unlock()

	// A late reply matches nothing and is dropped, not bounced.
	w.reply(req, "too late")
	w.quiet(100 * time.Millisecond)
}

func TestNotificationForwarding(t *testing.T) {
	b := testBroker(t, Config{})

	w := connect(t, b, "pipe:w")
	w.hello("alice", "secret")
	w.announce("foo.bar", nil)

	c := connect(t, b, "pipe:c")
	c.hello("bob", "hunter2")

	c.call(nil, "foo.bar", map[string]any{"fire": "forget"})

	req := w.recv()
	assert.Equal(t, "foo.bar", req.Method)
	assert.False(t, req.HasID())
	require.NotNil(t, req.Switch)

	// No id means no tracked request and no refcount.
	wc := connByName(b, "pipe:w")
	b.mu.Lock()
	assert.Equal(t, 0, wc.refcount)

	for _, ch := range wc.channels {
		assert.Empty(t, ch.reqs)
	}
	b.mu.Unlock()
}

func TestChannelEnvelopeErrors(t *testing.T) {
	b := testBroker(t, Config{})

	c := connect(t, b, "pipe:c")
	c.hello("bob", "hunter2")

	// Wrong cookie: the envelope is malformed.
	c.send(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "x",
		"rpcswitch": map[string]any{"vcookie": "spitout", "vci": "whatever"},
	})
	expectError(t, c.recv(), -32004)

	// Well-formed envelope but no such channel on this connection.
	c.send(map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "x",
		"rpcswitch": map[string]any{"vcookie": "eatme", "vci": "nope"},
	})
	expectError(t, c.recv(), -32005)

	// A response with an unknown channel is dropped silently.
	c.send(map[string]any{
		"jsonrpc": "2.0", "id": 3, "result": "stale",
		"rpcswitch": map[string]any{"vcookie": "eatme", "vci": "nope"},
	})
	c.quiet(100 * time.Millisecond)

	dropped, _ := b.Metrics().Snapshot()["dropped_responses"].(int64)
	assert.Positive(t, dropped)
}

/*
TestWorkerCallsBackOverChannel drives a request in the worker-to-client
direction over an established channel and checks the refcount swaps sides.
*/
func TestWorkerCallsBackOverChannel(t *testing.T) {
	b := testBroker(t, Config{})

	w := connect(t, b, "pipe:w")
	w.hello("alice", "secret")
	w.announce("foo.bar", nil)

	c := connect(t, b, "pipe:c")
	c.hello("bob", "hunter2")

	c.call(1, "foo.bar", map[string]any{})
	req := w.recv()

	// The worker asks the client something over the same channel.
	w.send(map[string]any{
		"jsonrpc": "2.0", "id": "w-1", "method": "progress",
		"params":    map[string]any{"pct": 50},
		"rpcswitch": map[string]string{"vcookie": "eatme", "vci": req.Switch.VCI},
	})

	nested := c.recv()
	assert.Equal(t, "progress", nested.Method)
	assert.Equal(t, `"w-1"`, string(nested.ID))

	wc, cc := connByName(b, "pipe:w"), connByName(b, "pipe:c")
	b.mu.Lock()
	assert.Equal(t, 1, wc.refcount, "still owes the original answer")
	assert.Equal(t, 1, cc.refcount, "now owes the nested answer")
	b.mu.Unlock()

	// Client answers the nested request.
	c.send(map[string]any{
		"jsonrpc": "2.0", "id": "w-1", "result": true,
		"rpcswitch": map[string]string{"vcookie": "eatme", "vci": req.Switch.VCI},
	})

	answer := w.recv()
	assert.Equal(t, `"w-1"`, string(answer.ID))

	// And the worker finally answers the original call.
	w.reply(req, "done")
	final := c.recv()
	assert.Equal(t, "1", string(final.ID))

	b.mu.Lock()
	assert.Equal(t, 0, wc.refcount)
	assert.Equal(t, 0, cc.refcount)
	b.mu.Unlock()
}

/*
TestPolicyReload swaps the policy mid-flight: new calls see the new rules
while the channel created under the old policy still delivers its response.
*/
func TestPolicyReload(t *testing.T) {
	b := testBroker(t, Config{})

	w := connect(t, b, "pipe:w")
	w.hello("alice", "secret")
	w.announce("foo.bar", nil)

	c := connect(t, b, "pipe:c")
	c.hello("bob", "hunter2")

	c.call(1, "foo.bar", map[string]any{})
	req := w.recv()

	// Reload: foo.* becomes trusted-only.
	pol, err := policy.Parse(&policy.Spec{
		ACL: map[string][]string{
			"workers": {"alice"},
			"trusted": {"carol"},
		},
		Method2ACL:  map[string]any{"foo.*": "trusted"},
		Backend2ACL: map[string]any{"foo.*": "workers"},
		Methods:     map[string]any{"foo.bar": "foo."},
	})
	require.NoError(t, err)
	b.SetPolicy(pol)

	// A new call from bob is denied under the new policy.
	c.call(2, "foo.bar", map[string]any{})
	expectError(t, c.recv(), -32009)

	// The response to the pre-reload call still comes home.
	w.reply(req, "old policy answer")
	res := c.recv()
	assert.Equal(t, "1", string(res.ID))
	assert.JSONEq(t, `"old policy answer"`, string(res.Result))
}

func TestReloadFromFileKeepsOldPolicyOnFailure(t *testing.T) {
	b := testBroker(t, Config{})
	before := b.Policy()

	path := filepath.Join(t.TempDir(), "policy.yml")

	good := `
acl:
  ops: [alice]
method2acl:
  "sys.*": ops
backend2acl:
  "sys.*": ops
methods:
  "sys.status": "sys."
`
	writeFile(t, path, good)

	require.NoError(t, b.ReloadPolicy(path))
	require.NotSame(t, before, b.Policy())
	require.NotNil(t, b.Policy().Method("sys.status"))

	after := b.Policy()

	// A file that fails validation leaves the active policy alone.
	broken := `
acl:
  ops: [+missing]
methods:
  "sys.status": "sys."
`
	writeFile(t, path, broken)

	require.Error(t, b.ReloadPolicy(path))
	assert.Same(t, after, b.Policy())
}

func TestIntrospection(t *testing.T) {
	b := testBroker(t, Config{})

	w := connect(t, b, "pipe:w")
	w.hello("alice", "secret")
	w.announce("foo.bar", nil)

	c := connect(t, b, "pipe:c")
	c.hello("bob", "hunter2")

	c.call(1, "rpcswitch.get_methods", map[string]any{})
	res := c.recv()
	require.Nil(t, res.Error)

	var methods []MethodInfo
	require.NoError(t, json.Unmarshal(res.Result, &methods))
	names := make([]string, 0, len(methods))

	for _, m := range methods {
		names = append(names, m.Name)
	}

	assert.ElementsMatch(t, []string{"foo.bar", "foo.baz", "geo.route", "secure.op"}, names)

	c.call(2, "rpcswitch.get_method_details", map[string]any{"method": "foo.bar"})
	res = c.recv()
	require.Nil(t, res.Error)

	var details MethodDetails
	require.NoError(t, json.Unmarshal(res.Result, &details))
	assert.Equal(t, "foo.bar", details.Backend)
	assert.Equal(t, []string{"public"}, details.ACL)
	require.Len(t, details.Workers, 1)
	assert.Equal(t, "alice", details.Workers[0].Workername)
	assert.Equal(t, "pipe:w", details.Workers[0].From)

	c.call(3, "rpcswitch.get_method_details", map[string]any{"method": "no.such"})
	expectError(t, c.recv(), -32601)

	c.call(4, "rpcswitch.get_workers", map[string]any{})
	res = c.recv()
	require.Nil(t, res.Error)

	var workers map[string][]WorkerInfo
	require.NoError(t, json.Unmarshal(res.Result, &workers))
	require.Len(t, workers["foo.bar"], 1)
	assert.Equal(t, "alice", workers["foo.bar"][0].Workername)

	c.call(5, "rpcswitch.get_clients", map[string]any{})
	res = c.recv()
	require.Nil(t, res.Error)

	var clients map[string]ClientInfo
	require.NoError(t, json.Unmarshal(res.Result, &clients))
	require.Contains(t, clients, "pipe:w")
	require.Contains(t, clients, "pipe:c")
	assert.Equal(t, []string{"foo.bar"}, clients["pipe:w"].Methods)
	assert.Equal(t, "auth", clients["pipe:c"].State)
}

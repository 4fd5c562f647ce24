package broker

import (
	"encoding/json"

	"github.com/google/uuid"
)

/*
Channel is the virtual circuit between a calling connection and a worker
connection, created lazily on the first forwarded call of the pair. Both
endpoints hold it in their channel table under the same vci, and every
message of the pair travels with that vci in its rpcswitch envelope.
*/
type Channel struct {
	vci    string
	client *Connection
	worker *Connection

	// reqs tracks the outstanding requests of the channel by normalized id.
	// All access happens under the broker lock.
	reqs map[string]*channelRequest
}

/*
channelRequest remembers one in-flight request: which way it flowed and the
requester's exact id bytes, echoed back on a synthesized error when the
responder side disconnects.
*/
type channelRequest struct {
	direction int // +1 when the request flowed client to worker
	id        json.RawMessage
}

/*
newChannel pairs two connections under a fresh random vci. A 128-bit id is
collision-free for the process lifetime and never aliases a recycled
connection identity.
*/
func newChannel(client, worker *Connection) *Channel {
	return &Channel{
		vci:    uuid.NewString(),
		client: client,
		worker: worker,
		reqs:   make(map[string]*channelRequest),
	}
}

// opposite returns the other endpoint of the channel.
func (ch *Channel) opposite(conn *Connection) *Connection {
	if conn == ch.client {
		return ch.worker
	}
	return ch.client
}

// direction reports which way a request from sender flows: +1 from the
// client side, -1 from the worker side.
func (ch *Channel) direction(sender *Connection) int {
	if sender == ch.client {
		return +1
	}
	return -1
}

// responder returns the endpoint a request direction points into, which is
// the side that owes the response.
func (ch *Channel) responder(direction int) *Connection {
	if direction > 0 {
		return ch.worker
	}
	return ch.client
}

/*
settle resolves one tracked request by id key: the recorded direction names
the responder, whose refcount drops, and the requester the response is owed
to is returned. Nil means the id was never tracked on this channel. Caller
holds the broker lock.
*/
func (ch *Channel) settle(key string) *Connection {
	req, ok := ch.reqs[key]

	if !ok {
		return nil
	}

	delete(ch.reqs, key)

	responder := ch.responder(req.direction)
	responder.refcount--

	return ch.opposite(responder)
}

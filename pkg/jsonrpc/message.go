package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/theapemachine/rpcswitch-go/pkg/errors"
)

// VCookie is the sentinel every channel envelope must carry. A message with
// an rpcswitch member but the wrong cookie is treated as having no envelope.
const VCookie = "eatme"

/*
Envelope is the rpcswitch member the switch adds to forwarded requests and
expects back on their responses. VCI names the virtual channel between the
two endpoints; Who carries the authenticated caller on the way out.
*/
type Envelope struct {
	VCookie string `json:"vcookie"`
	VCI     string `json:"vci"`
	Who     string `json:"who,omitempty"`
}

// Valid reports whether the envelope carries the sentinel and a channel id.
func (e *Envelope) Valid() bool {
	return e != nil && e.VCookie == VCookie && e.VCI != ""
}

/*
Message is a single JSON-RPC 2.0 frame. One struct covers requests,
notifications and responses; classification happens after decoding because a
switch peer may send any of the three on the same connection.
*/
type Message struct {
	JSONRPC string `json:"jsonrpc,omitempty"`
	// ID accepts string | number | null and is kept raw so responses echo
	// the exact bytes the requester sent.
	ID     json.RawMessage  `json:"id,omitempty"`
	Method string           `json:"method,omitempty"`
	Params json.RawMessage  `json:"params,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *errors.RpcError `json:"error,omitempty"`
	Switch *Envelope        `json:"rpcswitch,omitempty"`
}

// NullID is the explicit null id used on responses to requests whose id
// could not be recovered (parse errors and malformed envelopes).
var NullID = json.RawMessage("null")

// HasID reports whether the message carries a usable id. An explicit null id
// counts as absent: a request without a recoverable id is a notification.
func (m *Message) HasID() bool {
	return len(m.ID) != 0 && !bytes.Equal(m.ID, NullID)
}

// IsRequest reports whether the message invokes a method (with or without id).
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// IsNotification reports whether the message invokes a method without
// expecting a response.
func (m *Message) IsNotification() bool {
	return m.Method != "" && !m.HasID()
}

// IsResponse reports whether the message answers an earlier request: no
// method, an id, and a result or error member.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.HasID() && (m.Result != nil || m.Error != nil)
}

// HasChannel reports whether the message carries a valid channel envelope.
func (m *Message) HasChannel() bool {
	return m.Switch.Valid()
}

/*
IDKey maps the raw id onto a string key that is stable across peers that
re-encode numbers differently (1 vs 1.0). Numbers and strings get disjoint
prefixes so "1" the string can never collide with 1 the number.
*/
func (m *Message) IDKey() string {
	return IDKey(m.ID)
}

// IDKey normalizes a raw JSON-RPC id into a map key.
func IDKey(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "r:" + string(raw)
	}

	switch id := v.(type) {
	case float64:
		return "n:" + strconv.FormatFloat(id, 'g', -1, 64)
	case string:
		return "s:" + id
	default:
		return "r:" + string(raw)
	}
}

// ParamsAreObject reports whether params decodes to a JSON object. Absent
// params count as an (empty) object because every switch method takes named
// parameters.
func (m *Message) ParamsAreObject() bool {
	trimmed := bytes.TrimSpace(m.Params)
	return len(trimmed) == 0 || trimmed[0] == '{'
}

/*
NewRequest builds a method call. The params value is marshalled immediately so
an encoding failure surfaces at the call site instead of inside the writer.
*/
func NewRequest(id json.RawMessage, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: "2.0", ID: id, Method: method}

	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		msg.Params = buf
	}

	return msg, nil
}

// NewNotification builds a method call that expects no response.
func NewNotification(method string, params any) (*Message, error) {
	return NewRequest(nil, method, params)
}

/*
NewResult builds a success response echoing the request id. A nil result
marshals to an explicit JSON null so the result member is always present.
*/
func NewResult(id json.RawMessage, result any) (*Message, error) {
	buf, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	return &Message{JSONRPC: "2.0", ID: id, Result: buf}, nil
}

/*
NewError builds an error response. Requests whose id could not be recovered
get the explicit null id the JSON-RPC spec prescribes.
*/
func NewError(id json.RawMessage, rpcErr *errors.RpcError) *Message {
	if len(id) == 0 {
		id = NullID
	}

	if rpcErr == nil {
		rpcErr = errors.ErrInternal
	}

	return &Message{JSONRPC: "2.0", ID: id, Error: rpcErr}
}

package collab

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Wire message types.
const (
	MsgInitialChallenge       = "initial_challenge"
	MsgAuthRequest            = "auth_request"
	MsgAuthReply              = "auth_reply"
	MsgProjectList            = "project_list"
	MsgProjectJoinRequest     = "project_join_request"
	MsgProjectJoinReply       = "project_join_reply"
	MsgProjectNewRequest      = "project_new_request"
	MsgSendUpdates            = "send_updates"
	MsgProjectRejoinRequest   = "project_rejoin_request"
	MsgAckUpdateID            = "ack_updateid"
	MsgProjectSnapshotRequest = "project_snapshot_request"
	MsgProjectSnapshotReply   = "project_snapshot_reply"
	MsgProjectForkRequest     = "project_fork_request"
	MsgProjectSnapforkRequest = "project_snapfork_request"
	MsgProjectForkFollow      = "project_fork_follow"
	MsgProjectLeave           = "project_leave"
	MsgGetReqPerms            = "get_req_perms"
	MsgGetReqPermsReply       = "get_req_perms_reply"
	MsgSetReqPerms            = "set_req_perms"
	MsgSetReqPermsReply       = "set_req_perms_reply"
	MsgGetProjPerms           = "get_proj_perms"
	MsgGetProjPermsReply      = "get_proj_perms_reply"
	MsgSetProjPerms           = "set_proj_perms"
	MsgSetProjPermsReply      = "set_proj_perms_reply"
	MsgError                  = "collab_error"
	MsgFatal                  = "collab_fatal"
	MsgPing                   = "ping"
	MsgPong                   = "pong"
)

// Reply codes carried in the "reply" field.
const (
	ReplySuccess = 0
	ReplyFail    = 1
)

// Message is one decoded JSON object from the wire. Numbers are kept as
// json.Number so 64-bit ids survive a decode/encode round trip.
type Message map[string]any

// NewMessage returns a message of the given type.
func NewMessage(msgType string) Message {
	return Message{"type": msgType}
}

// DecodeMessage parses a single JSON object.
func DecodeMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("decoding message: not an object")
	}
	return m, nil
}

// Encode returns the compact JSON form of m.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(map[string]any(m))
}

// Type returns the message type, or "" when absent.
func (m Message) Type() string {
	s, _ := m["type"].(string)
	return s
}

// Set assigns key and returns m for chaining.
func (m Message) Set(key string, value any) Message {
	m[key] = value
	return m
}

func (m Message) String(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// Uint64 reads a non-negative integer field.
func (m Message) Uint64(key string) (uint64, bool) {
	switch v := m[key].(type) {
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	default:
		return 0, false
	}
}

// Int64 reads a signed integer field.
func (m Message) Int64(key string) (int64, bool) {
	switch v := m[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Hex reads a hex-encoded byte field.
func (m Message) Hex(key string) ([]byte, bool) {
	s, ok := m[key].(string)
	if !ok {
		return nil, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

// masks reads the "pub" and "sub" fields, clamped to 31 bits. Missing
// fields fall back to def.
func (m Message) masks(def MaskPair) MaskPair {
	out := def
	if v, ok := m.Uint64("pub"); ok {
		out.Publish = ClampMask(v)
	}
	if v, ok := m.Uint64("sub"); ok {
		out.Subscribe = ClampMask(v)
	}
	return out
}

// encodeUpdate renders a stored update payload for delivery: any stale
// "updateid" is replaced with id.
func encodeUpdate(payload []byte, id int64) ([]byte, error) {
	m, err := DecodeMessage(payload)
	if err != nil {
		return nil, err
	}
	delete(m, "updateid")
	m["updateid"] = id
	return m.Encode()
}

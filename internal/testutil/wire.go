package testutil

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"
	"time"

	"collabd/internal/collab"
)

// WireTimeout bounds how long a WireClient waits for the server.
const WireTimeout = 5 * time.Second

// WireClient is the client half of an in-process connection to a
// collab.Service. It speaks the same back-to-back JSON the plugin does.
type WireClient struct {
	t    *testing.T
	conn net.Conn
	dec  *json.Decoder
}

// Connect starts a session on svc over net.Pipe and returns the client end.
// The connection is closed when the test completes.
func Connect(t *testing.T, svc *collab.Service) *WireClient {
	t.Helper()

	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Serve(ctx, server)
	}()

	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})

	dec := json.NewDecoder(client)
	dec.UseNumber()
	return &WireClient{t: t, conn: client, dec: dec}
}

// Conn exposes the raw connection for tests that write malformed input.
func (c *WireClient) Conn() net.Conn { return c.conn }

// Send writes m to the server.
func (c *WireClient) Send(m collab.Message) {
	c.t.Helper()

	data, err := m.Encode()
	if err != nil {
		c.t.Fatalf("encoding %s: %v", m.Type(), err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(WireTimeout))
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("sending %s: %v", m.Type(), err)
	}
}

// Next returns the next message from the server.
func (c *WireClient) Next() collab.Message {
	c.t.Helper()

	m, err := c.read(WireTimeout)
	if err != nil {
		c.t.Fatalf("reading message: %v", err)
	}
	return m
}

// Expect reads the next message and fails unless it has type msgType.
func (c *WireClient) Expect(msgType string) collab.Message {
	c.t.Helper()

	m := c.Next()
	if m.Type() != msgType {
		c.t.Fatalf("got %s message %v, want %s", m.Type(), map[string]any(m), msgType)
	}
	return m
}

// ExpectReply reads a message of type msgType and checks its reply code.
func (c *WireClient) ExpectReply(msgType string, code int) collab.Message {
	c.t.Helper()

	m := c.Expect(msgType)
	if got, ok := m.Int64("reply"); !ok || got != int64(code) {
		c.t.Fatalf("%s reply = %v, want %d", msgType, m["reply"], code)
	}
	return m
}

// ExpectSilence fails if the server sends anything within d.
func (c *WireClient) ExpectSilence(d time.Duration) {
	c.t.Helper()

	m, err := c.read(d)
	if err == nil {
		c.t.Fatalf("unexpected %s message %v", m.Type(), map[string]any(m))
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		c.t.Fatalf("connection failed while expecting silence: %v", err)
	}
	// A timed-out decoder is unusable; start a fresh one on the same conn.
	c.dec = json.NewDecoder(c.conn)
	c.dec.UseNumber()
}

// ExpectClosed fails unless the server closes the connection within WireTimeout.
// Messages sent before the close are returned.
func (c *WireClient) ExpectClosed() []collab.Message {
	c.t.Helper()

	var got []collab.Message
	for {
		m, err := c.read(WireTimeout)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.t.Fatalf("connection still open after %v", WireTimeout)
			}
			return got
		}
		got = append(got, m)
	}
}

// Login answers the initial challenge as username and expects success.
func (c *WireClient) Login(username, password string) {
	c.t.Helper()

	c.Authenticate(username, password)
	c.ExpectReply(collab.MsgAuthReply, collab.ReplySuccess)
}

// Authenticate answers the pending challenge without reading the reply.
func (c *WireClient) Authenticate(username, password string) {
	c.t.Helper()

	challenge := c.Expect(collab.MsgInitialChallenge)
	raw, ok := challenge.Hex("challenge")
	if !ok {
		c.t.Fatalf("challenge not hex: %v", challenge["challenge"])
	}
	resp, err := collab.ComputeResponse(collab.HashPassword(password), raw)
	if err != nil {
		c.t.Fatalf("ComputeResponse() error = %v", err)
	}
	c.Send(collab.NewMessage(collab.MsgAuthRequest).
		Set("user", username).
		Set("hmac", hex.EncodeToString(resp)).
		Set("protocol", collab.ProtocolVersion))
}

func (c *WireClient) read(d time.Duration) (collab.Message, error) {
	c.conn.SetReadDeadline(time.Now().Add(d))
	var raw json.RawMessage
	if err := c.dec.Decode(&raw); err != nil {
		return nil, err
	}
	return collab.DecodeMessage(bytes.TrimSpace(raw))
}

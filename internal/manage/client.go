package manage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"collabd/internal/collab"
	"collabd/internal/transfer"
)

// DefaultTimeout bounds a request when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// ErrRequestFailed wraps the error text a server returned.
var ErrRequestFailed = errors.New("management request failed")

// Client talks to a running server's management listener. It is safe for
// concurrent use; requests are serialized on one connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
}

// Dial connects to the management listener at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to management listener at %s: %w", addr, err)
	}
	return &Client{conn: conn, dec: json.NewDecoder(conn), enc: json.NewEncoder(conn)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) do(ctx context.Context, req Request) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.enc.Encode(&req); err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Type, err)
	}
	var reply Reply
	if err := c.dec.Decode(&reply); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading %s reply: %w", req.Type, err)
	}
	if reply.Type != replyType(req.Type) {
		return nil, fmt.Errorf("unexpected reply %q to %s", reply.Type, req.Type)
	}
	if reply.Reply != collab.ReplySuccess {
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, reply.Error)
	}
	return &reply, nil
}

// Connections lists live client sessions.
func (c *Client) Connections(ctx context.Context) ([]collab.ConnectionInfo, error) {
	reply, err := c.do(ctx, Request{Type: MsgGetConnections})
	if err != nil {
		return nil, err
	}
	return reply.Connections, nil
}

// Stats returns per-session command counters.
func (c *Client) Stats(ctx context.Context) ([]collab.SessionStats, error) {
	reply, err := c.do(ctx, Request{Type: MsgGetStats})
	if err != nil {
		return nil, err
	}
	return reply.Stats, nil
}

// Projects lists every project with its live connection count.
func (c *Client) Projects(ctx context.Context) ([]ProjectInfo, error) {
	reply, err := c.do(ctx, Request{Type: MsgProjectList})
	if err != nil {
		return nil, err
	}
	return reply.Projects, nil
}

// Export asks the server to export a project to its archive under name.
func (c *Client) Export(ctx context.Context, projectID int64, name string) (*transfer.ExportResult, error) {
	reply, err := c.do(ctx, Request{Type: MsgProjectExport, Project: projectID, Name: name})
	if err != nil {
		return nil, err
	}
	return reply.Export, nil
}

// Import asks the server to import the named export as a project owned by owner.
func (c *Client) Import(ctx context.Context, name, owner, passphrase string) (*ProjectInfo, error) {
	reply, err := c.do(ctx, Request{Type: MsgProjectImport, Name: name, Owner: owner, Passphrase: passphrase})
	if err != nil {
		return nil, err
	}
	return reply.Project, nil
}

// Shutdown asks the server to stop gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.do(ctx, Request{Type: MsgShutdown})
	return err
}

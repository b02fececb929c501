package manage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"collabd/internal/collab"
	"collabd/internal/transfer"
)

// Handler serves management connections. It satisfies server.Handler.
type Handler struct {
	svc      *collab.Service
	exporter *transfer.Exporter
	importer *transfer.Importer
	logger   collab.Logger
	shutdown func()
}

// NewHandler creates a management handler. shutdown is invoked, once the
// reply has been written, when a client sends mng_shutdown.
func NewHandler(svc *collab.Service, exporter *transfer.Exporter, importer *transfer.Importer, logger collab.Logger, shutdown func()) *Handler {
	return &Handler{
		svc:      svc,
		exporter: exporter,
		importer: importer,
		logger:   logger,
		shutdown: shutdown,
	}
}

// Serve answers requests on conn until it closes or ctx is cancelled.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	h.logger.Info("management client connected", "remote", remote)
	defer h.logger.Info("management client disconnected", "remote", remote)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		h.logger.Debug("management request", "remote", remote, "type", req.Type)

		reply := h.dispatch(ctx, &req)
		conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		if err := enc.Encode(reply); err != nil {
			h.logger.Warn("writing management reply", "remote", remote, "error", err)
			return
		}

		if req.Type == MsgShutdown && reply.Reply == collab.ReplySuccess {
			h.logger.Info("shutdown requested", "remote", remote)
			go h.shutdown()
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, req *Request) *Reply {
	reply := &Reply{Type: replyType(req.Type)}
	var err error

	switch req.Type {
	case MsgGetConnections:
		reply.Connections = h.svc.Connections()
	case MsgGetStats:
		reply.Stats = h.svc.Stats()
	case MsgProjectList:
		reply.Projects, err = h.projects(ctx)
	case MsgProjectExport:
		if req.Name == "" || req.Project <= 0 {
			err = errors.New("project and name are required")
			break
		}
		reply.Export, err = h.exporter.Export(ctx, req.Project, req.Name)
	case MsgProjectImport:
		if req.Name == "" || req.Owner == "" {
			err = errors.New("name and owner are required")
			break
		}
		var p *collab.Project
		if p, err = h.importer.Import(ctx, req.Name, req.Owner, req.Passphrase); err == nil {
			info := NewProjectInfo(p, 0)
			reply.Project = &info
		}
	case MsgShutdown:
		if h.shutdown == nil {
			err = errors.New("shutdown not available")
		}
	default:
		err = fmt.Errorf("%w: %q", collab.ErrUnknownCommand, req.Type)
	}

	if err != nil {
		h.logger.Warn("management request failed", "type", req.Type, "error", err)
		reply.Reply = collab.ReplyFail
		reply.Error = err.Error()
	}
	return reply
}

func (h *Handler) projects(ctx context.Context) ([]ProjectInfo, error) {
	all, err := h.svc.Store().AllProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	out := make([]ProjectInfo, 0, len(all))
	for _, p := range all {
		out = append(out, NewProjectInfo(p, h.svc.Registry().Count(p.ID)))
	}
	return out, nil
}

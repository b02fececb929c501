// Package manage implements the loopback administration channel. Requests
// and replies are JSON objects written back to back, like the client
// protocol; every reply type is the request type with "_reply" appended.
package manage

import (
	"time"

	"collabd/internal/collab"
	"collabd/internal/transfer"
)

// Management message types.
const (
	MsgGetConnections = "mng_get_connections"
	MsgGetStats       = "mng_get_stats"
	MsgProjectList    = "mng_project_list"
	MsgProjectExport  = "mng_project_export"
	MsgProjectImport  = "mng_project_import"
	MsgShutdown       = "mng_shutdown"
)

func replyType(requestType string) string {
	return requestType + "_reply"
}

// Request is a management command.
type Request struct {
	Type       string `json:"type"`
	Project    int64  `json:"project,omitempty"`
	Name       string `json:"name,omitempty"`
	Owner      string `json:"owner,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Reply answers a Request. Only the field matching the request is set.
type Reply struct {
	Type        string                  `json:"type"`
	Reply       int                     `json:"reply"`
	Error       string                  `json:"error,omitempty"`
	Connections []collab.ConnectionInfo `json:"connections,omitempty"`
	Stats       []collab.SessionStats   `json:"stats,omitempty"`
	Projects    []ProjectInfo           `json:"projects,omitempty"`
	Project     *ProjectInfo            `json:"project,omitempty"`
	Export      *transfer.ExportResult  `json:"export,omitempty"`
}

// ProjectInfo is a project as the management channel reports it.
type ProjectInfo struct {
	ID                int64     `json:"id"`
	GlobalID          string    `json:"gpid"`
	Hash              string    `json:"hash"`
	Description       string    `json:"description"`
	Owner             string    `json:"owner"`
	Publish           uint64    `json:"pub"`
	Subscribe         uint64    `json:"sub"`
	ParentID          int64     `json:"parent,omitempty"`
	ParentDescription string    `json:"parent_description,omitempty"`
	SnapshotUpdateID  int64     `json:"snapshot_update,omitempty"`
	Connected         int       `json:"connected"`
	CreatedAt         time.Time `json:"created_at"`
}

// NewProjectInfo converts p; connected is the number of attached sessions.
func NewProjectInfo(p *collab.Project, connected int) ProjectInfo {
	return ProjectInfo{
		ID:                p.ID,
		GlobalID:          p.GlobalID,
		Hash:              p.Hash,
		Description:       p.Description,
		Owner:             p.Owner,
		Publish:           p.Publish,
		Subscribe:         p.Subscribe,
		ParentID:          p.ParentID,
		ParentDescription: p.ParentDescription,
		SnapshotUpdateID:  p.SnapshotUpdateID,
		Connected:         connected,
		CreatedAt:         p.CreatedAt,
	}
}

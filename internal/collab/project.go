package collab

import (
	"fmt"
	"time"
)

// ProtocolVersion is the wire protocol revision this server speaks.
const ProtocolVersion = 2

// Project is a shared analysis session for one binary.
type Project struct {
	ID                int64  // local id, unique to this server
	GlobalID          string // 64 hex chars, stable across servers
	Hash              string // fingerprint of the analyzed binary
	Description       string
	Owner             string
	Publish           uint64 // upper bound for any member's publish mask
	Subscribe         uint64
	ParentID          int64 // 0 unless created by fork or snapshot
	ParentDescription string
	SnapshotUpdateID  int64 // > 0 marks a snapshot
	ProtocolVersion   int
	CreatedAt         time.Time
}

// IsSnapshot reports whether p is a frozen snapshot marker.
func (p *Project) IsSnapshot() bool {
	return p.SnapshotUpdateID > 0
}

// IsFork reports whether p was created from another project.
func (p *Project) IsFork() bool {
	return p.ParentID > 0 && p.SnapshotUpdateID == 0
}

// Masks returns the project's publish/subscribe limits.
func (p *Project) Masks() MaskPair {
	return MaskPair{Publish: p.Publish, Subscribe: p.Subscribe}
}

// ListingDescription renders p the way project lists show it, with
// connected being the number of sessions currently attached.
func (p *Project) ListingDescription(connected int) string {
	switch {
	case p.IsSnapshot():
		return fmt.Sprintf("[-] %s (SNAP of '%s'@%d updates])", p.Description, p.ParentDescription, p.SnapshotUpdateID)
	case p.IsFork():
		return fmt.Sprintf("[%d] %s (FORK of '%s')", connected, p.Description, p.ParentDescription)
	default:
		return fmt.Sprintf("[%d] %s", connected, p.Description)
	}
}

// Update is one recorded edit in a project's log.
type Update struct {
	ID        int64
	ProjectID int64
	Author    string
	Command   string
	Payload   []byte // the full JSON message as received
	CreatedAt time.Time
}

// Account is an authenticated user and the permission limits of their account.
type Account struct {
	ID        int64
	Username  string
	Publish   uint64
	Subscribe uint64
}

// Masks returns the account's publish/subscribe limits.
func (a *Account) Masks() MaskPair {
	return MaskPair{Publish: a.Publish, Subscribe: a.Subscribe}
}

// ProjectImport describes a project arriving from another server.
type ProjectImport struct {
	GlobalID    string
	Hash        string
	Description string
	Owner       string
	Publish     uint64
	Subscribe   uint64
}

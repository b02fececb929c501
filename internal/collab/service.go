package collab

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"
)

// SessionConfig tunes per-connection behavior.
type SessionConfig struct {
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	OutboundBuffer int
	MaxAuthTries   int
}

// DefaultSessionConfig returns the settings used when config leaves them unset.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PingTimeout:    60 * time.Second,
		WriteTimeout:   30 * time.Second,
		OutboundBuffer: 256,
		MaxAuthTries:   3,
	}
}

// Service holds what every session shares: the store, the registry of
// live sessions, and the update dispatcher.
type Service struct {
	store      ProjectStore
	registry   *Registry
	dispatcher *Dispatcher
	logger     Logger
	clock      Clock
	ids        IDGenerator
	cfg        SessionConfig
}

// NewService wires a service around store. The dispatcher is created and
// started here; Stop shuts it down.
func NewService(store ProjectStore, logger Logger, clock Clock, ids IDGenerator, cfg SessionConfig, queueSize int) *Service {
	defaults := DefaultSessionConfig()
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaults.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = defaults.OutboundBuffer
	}
	if cfg.MaxAuthTries <= 0 {
		cfg.MaxAuthTries = defaults.MaxAuthTries
	}

	registry := NewRegistry()
	dispatcher := NewDispatcher(store, registry, logger, queueSize)
	dispatcher.Start()

	return &Service{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
		clock:      clock,
		ids:        ids,
		cfg:        cfg,
	}
}

func (svc *Service) Store() ProjectStore     { return svc.store }
func (svc *Service) Registry() *Registry     { return svc.registry }
func (svc *Service) Dispatcher() *Dispatcher { return svc.dispatcher }

// Serve runs a session on conn until it ends.
func (svc *Service) Serve(ctx context.Context, conn net.Conn) {
	newSession(svc, conn).Run(ctx)
}

// Stop refuses new updates, relays everything already accepted, then
// flushes and closes every session. A client that stops reading is cut off
// once a write exceeds WriteTimeout.
func (svc *Service) Stop() {
	svc.dispatcher.Stop()

	var wg sync.WaitGroup
	svc.registry.ForEachAll(func(s *Session) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.flushAndClose()
		}()
		return true
	})
	wg.Wait()
}

func (svc *Service) announceFork(projectID int64, origin *Session, np *Project, upTo int64) {
	msg := NewMessage(MsgProjectForkFollow).
		Set("user", origin.Username()).
		Set("gpid", np.GlobalID).
		Set("last_update", upTo).
		Set("description", np.Description)

	svc.registry.ForEach(projectID, func(s *Session) bool {
		if s != origin {
			s.Send(msg)
		}
		return true
	})
}

func (svc *Service) applyProjectPermissions(projectID int64, masks MaskPair) {
	svc.registry.ForEach(projectID, func(s *Session) bool {
		if s.refreshProjectMasks(masks) {
			s.sendError(permsChangedText)
		}
		return true
	})
}

// ConnectionInfo describes one live session.
type ConnectionInfo struct {
	Session     string    `json:"session"`
	User        string    `json:"user"`
	Remote      string    `json:"remote"`
	State       string    `json:"state"`
	Project     int64     `json:"project"`
	Publish     uint64    `json:"pub"`
	Subscribe   uint64    `json:"sub"`
	ConnectedAt time.Time `json:"connected_at"`
}

// SessionStats is the per-command traffic of one session.
type SessionStats struct {
	Session  string     `json:"session"`
	User     string     `json:"user"`
	Commands []StatLine `json:"commands"`
}

// Connections lists live sessions ordered by connect time.
func (svc *Service) Connections() []ConnectionInfo {
	var out []ConnectionInfo
	svc.registry.ForEachAll(func(s *Session) bool {
		info := ConnectionInfo{
			Session:     s.ID(),
			User:        s.Username(),
			Remote:      s.Remote(),
			State:       s.State().String(),
			ConnectedAt: s.connectedAt,
		}
		if p := s.Project(); p != nil {
			eff := s.Effective()
			info.Project = p.ID
			info.Publish = eff.Publish
			info.Subscribe = eff.Subscribe
		}
		out = append(out, info)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].Session < out[j].Session
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Stats returns traffic counters for every live session.
func (svc *Service) Stats() []SessionStats {
	var out []SessionStats
	svc.registry.ForEachAll(func(s *Session) bool {
		out = append(out, SessionStats{
			Session:  s.ID(),
			User:     s.Username(),
			Commands: s.stats.Snapshot(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}

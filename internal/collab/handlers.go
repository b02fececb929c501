package collab

import (
	"context"
	"errors"
	"fmt"
)

const (
	internalErrorText = "internal server error"
	notOwnerText      = "You are not the owner!"
	ownerPermsText    = "You are the owner.  FULL permissions granted."
	permsChangedText  = "You permissions have changed as a result of the project owner changing project permissions"
	joinFirstText     = "must join before sending updates"
	noProjectText     = "must join a project first"
)

type handlerFunc func(s *Session, ctx context.Context, m Message) error

// controlHandlers maps every non-update message type to its handler.
// Anything else arriving from an authenticated client is an update.
var controlHandlers map[string]handlerFunc

func init() {
	controlHandlers = map[string]handlerFunc{
		MsgProjectList:            (*Session).handleProjectList,
		MsgProjectNewRequest:      (*Session).handleNewProject,
		MsgProjectJoinRequest:     (*Session).handleJoin,
		MsgProjectRejoinRequest:   (*Session).handleRejoin,
		MsgProjectSnapshotRequest: (*Session).handleSnapshot,
		MsgProjectForkRequest:     (*Session).handleFork,
		MsgProjectSnapforkRequest: (*Session).handleSnapfork,
		MsgProjectLeave:           (*Session).handleLeave,
		MsgSendUpdates:            (*Session).handleSendUpdates,
		MsgGetReqPerms:            (*Session).handleGetReqPerms,
		MsgSetReqPerms:            (*Session).handleSetReqPerms,
		MsgGetProjPerms:           (*Session).handleGetProjPerms,
		MsgSetProjPerms:           (*Session).handleSetProjPerms,
	}
}

func (s *Session) handle(ctx context.Context, m Message) error {
	msgType := m.Type()
	if msgType == "" {
		s.stats.received("<untyped>")
		s.svc.logger.Warn("message without type", "session", s.id, "remote", s.remote)
		return nil
	}
	s.stats.received(msgType)

	if s.State() == StateUnauthenticated {
		return s.handleAuth(ctx, m)
	}
	if msgType == MsgAuthRequest {
		s.sendError("already authenticated")
		return nil
	}

	if h, ok := controlHandlers[msgType]; ok {
		return s.report(msgType, h(s, ctx, m))
	}
	return s.report(msgType, s.handleUpdate(ctx, m))
}

// report turns a handler error into client feedback. Only protocol errors
// are shown to the client verbatim.
func (s *Session) report(msgType string, err error) error {
	if err == nil || errors.Is(err, errCloseSession) {
		return err
	}
	if errors.Is(err, ErrNotOwner) {
		s.svc.logger.Warn("owner command refused", "type", msgType, "session", s.id, "user", s.Username())
		s.sendError(notOwnerText)
		return nil
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		s.svc.logger.Warn("protocol error", "session", s.id, "user", s.Username(), "error", err)
		s.sendError(perr.Error())
		return nil
	}
	s.svc.logger.Error("handling message", "type", msgType, "session", s.id, "user", s.Username(), "error", err)
	s.sendError(internalErrorText)
	return nil
}

func (s *Session) handleAuth(ctx context.Context, m Message) error {
	logger := s.svc.logger

	if m.Type() != MsgAuthRequest {
		s.sendReply(MsgAuthReply, ReplyFail)
		s.sendError("authentication required")
		return nil
	}

	if proto, ok := m.Int64("protocol"); ok && proto != ProtocolVersion {
		logger.Warn("protocol version mismatch", "session", s.id, "remote", s.remote, "protocol", proto)
		s.sendFatal(fmt.Sprintf("protocol version mismatch: server speaks version %d", ProtocolVersion))
		return errCloseSession
	}

	s.mu.RLock()
	challenge := s.challenge
	s.mu.RUnlock()

	user, okUser := m.String("user")
	response, okHMAC := m.Hex("hmac")

	var account *Account
	var err error
	if !okUser || user == "" || !okHMAC {
		err = ErrAuthInvalidProtocol
	} else {
		account, err = s.svc.store.Authenticate(ctx, user, challenge, response)
	}

	switch {
	case err == nil:
		s.mu.Lock()
		s.account = account
		s.state = StateAuthenticated
		s.challenge = nil
		s.mu.Unlock()
		logger.Info("user authenticated", "session", s.id, "user", account.Username, "remote", s.remote)
		s.sendReply(MsgAuthReply, ReplySuccess)
		return nil

	case errors.Is(err, ErrAuthInvalidProtocol):
		logger.Warn("malformed auth request", "session", s.id, "remote", s.remote)
		s.sendReply(MsgAuthReply, ReplyFail)
		s.sendError(ErrAuthInvalidProtocol.Error())

	case errors.Is(err, ErrAuthInvalidUser):
		s.mu.Lock()
		s.authFailures++
		failures := s.authFailures
		s.mu.Unlock()
		logger.Warn("authentication failed", "session", s.id, "user", user, "remote", s.remote, "attempt", failures)
		s.sendReply(MsgAuthReply, ReplyFail)
		if failures >= s.svc.cfg.MaxAuthTries {
			s.sendFatal("too many failed authentication attempts")
			return errCloseSession
		}

	default:
		logger.Error("authenticating", "session", s.id, "user", user, "error", err)
		s.sendReply(MsgAuthReply, ReplyFail)
		s.sendError(internalErrorText)
	}

	return s.sendChallenge()
}

func (s *Session) handleProjectList(ctx context.Context, m Message) error {
	hash, ok := m.String("md5")
	if !ok || hash == "" {
		return missingField(MsgProjectList, "md5")
	}

	projects, err := s.svc.store.ListProjects(ctx, hash)
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}

	s.mu.Lock()
	s.hash = hash
	account := *s.account
	s.mu.Unlock()

	entries := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		if p.ProtocolVersion != ProtocolVersion {
			continue
		}
		entries = append(entries, map[string]any{
			"id":          p.ID,
			"snap_id":     p.SnapshotUpdateID,
			"description": p.ListingDescription(s.svc.registry.Count(p.ID)),
			"pub_mask":    p.Publish & account.Publish,
			"sub_mask":    p.Subscribe & account.Subscribe,
		})
	}

	return s.Send(NewMessage(MsgProjectList).
		Set("projects", entries).
		Set("options", PermissionLabels))
}

func (s *Session) handleNewProject(ctx context.Context, m Message) error {
	hash, ok := m.String("md5")
	if !ok || hash == "" {
		return missingField(MsgProjectNewRequest, "md5")
	}
	description, _ := m.String("description")
	masks := m.masks(MaskPair{Publish: DefaultPublish, Subscribe: DefaultSubscribe})

	p, err := s.svc.store.CreateProject(ctx, s.Username(), hash, description, masks)
	if err != nil {
		s.sendReply(MsgProjectJoinReply, ReplyFail)
		return fmt.Errorf("creating project: %w", err)
	}

	s.detach()
	s.attach(p, masks)
	s.svc.logger.Info("project created", "session", s.id, "user", s.Username(), "project", p.ID, "gpid", p.GlobalID)
	return s.Send(NewMessage(MsgProjectJoinReply).
		Set("reply", ReplySuccess).
		Set("gpid", p.GlobalID))
}

// JoinProject loads a joinable project. Snapshot markers and projects from
// another protocol revision are refused.
func JoinProject(ctx context.Context, store ProjectStore, id int64) (*Project, error) {
	p, err := store.Project(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsSnapshot() {
		return nil, ErrSnapshotJoin
	}
	if p.ProtocolVersion != ProtocolVersion {
		return nil, ErrProjectNotFound
	}
	return p, nil
}

func (s *Session) handleJoin(ctx context.Context, m Message) error {
	id, ok := m.Int64("project")
	if !ok {
		return missingField(MsgProjectJoinRequest, "project")
	}
	requested := m.masks(MaskPair{Publish: FullPermissions, Subscribe: FullPermissions})

	p, err := JoinProject(ctx, s.svc.store, id)
	switch {
	case errors.Is(err, ErrSnapshotJoin):
		s.sendError(ErrSnapshotJoin.Error())
		s.sendReply(MsgProjectJoinReply, ReplyFail)
		return nil
	case errors.Is(err, ErrProjectNotFound):
		s.sendReply(MsgProjectJoinReply, ReplyFail)
		return nil
	case err != nil:
		s.sendReply(MsgProjectJoinReply, ReplyFail)
		return fmt.Errorf("joining project %d: %w", id, err)
	}

	s.detach()
	s.attach(p, requested)
	s.svc.logger.Info("joined project", "session", s.id, "user", s.Username(), "project", p.ID)
	return s.Send(NewMessage(MsgProjectJoinReply).
		Set("reply", ReplySuccess).
		Set("gpid", p.GlobalID))
}

func (s *Session) handleRejoin(ctx context.Context, m Message) error {
	gpid, ok := m.String("gpid")
	if !ok || !ValidGlobalID(gpid) {
		s.sendReply(MsgProjectJoinReply, ReplyFail)
		s.sendFatal("invalid project id")
		return errCloseSession
	}
	requested := m.masks(MaskPair{Publish: FullPermissions, Subscribe: FullPermissions})

	var p *Project
	id, err := s.svc.store.ResolveGlobalID(ctx, gpid)
	if err == nil {
		p, err = JoinProject(ctx, s.svc.store, id)
	}
	if err != nil {
		if !errors.Is(err, ErrProjectNotFound) && !errors.Is(err, ErrSnapshotJoin) {
			s.svc.logger.Error("rejoining project", "session", s.id, "gpid", gpid, "error", err)
		}
		s.sendReply(MsgProjectJoinReply, ReplyFail)
		s.sendFatal("project not found on this server")
		return errCloseSession
	}

	s.detach()
	s.attach(p, requested)
	s.svc.logger.Info("rejoined project", "session", s.id, "user", s.Username(), "project", p.ID)
	return s.Send(NewMessage(MsgProjectJoinReply).
		Set("reply", ReplySuccess).
		Set("gpid", p.GlobalID))
}

func (s *Session) handleSnapshot(ctx context.Context, m Message) error {
	p := s.Project()
	if p == nil {
		s.sendError(noProjectText)
		return nil
	}
	upTo, ok := m.Int64("last_update")
	if !ok {
		return missingField(MsgProjectSnapshotRequest, "last_update")
	}
	description, _ := m.String("description")

	snap, err := s.svc.store.Snapshot(ctx, p.ID, upTo, s.Username(), description)
	switch {
	case errors.Is(err, ErrInvalidUpdateID):
		s.sendError("snapshot failed: " + ErrInvalidUpdateID.Error())
		return nil
	case errors.Is(err, ErrNotSupported):
		s.sendError("snapshots are not supported by this server")
		return nil
	case err != nil:
		return fmt.Errorf("creating snapshot of %d: %w", p.ID, err)
	}

	s.svc.logger.Info("snapshot created", "session", s.id, "project", p.ID, "snapshot", snap.ID, "last_update", upTo)
	return s.Send(NewMessage(MsgProjectSnapshotReply).
		Set("reply", ReplySuccess).
		Set("id", snap.ID))
}

func (s *Session) handleFork(ctx context.Context, m Message) error {
	old := s.Project()
	if old == nil {
		s.sendError(noProjectText)
		return nil
	}
	upTo, ok := m.Int64("last_update")
	if !ok {
		return missingField(MsgProjectForkRequest, "last_update")
	}
	description, _ := m.String("description")
	masks := m.masks(old.Masks())

	// Off the old project while the log is copied so nothing is relayed
	// to a session that is about to move.
	s.svc.registry.Remove(s)

	np, err := s.svc.store.Fork(ctx, old.ID, upTo, s.Username(), description, masks)
	if err != nil {
		s.svc.registry.Add(old.ID, s)
		s.sendReply(MsgProjectJoinReply, ReplyFail)
		return s.forkFailure(err, old.ID)
	}

	s.attach(np, s.Requested())
	s.svc.logger.Info("project forked", "session", s.id, "user", s.Username(), "from", old.ID, "project", np.ID, "last_update", upTo)
	if err := s.Send(NewMessage(MsgProjectJoinReply).Set("reply", ReplySuccess).Set("gpid", np.GlobalID)); err != nil {
		return err
	}
	s.svc.announceFork(old.ID, s, np, upTo)
	return nil
}

func (s *Session) handleSnapfork(ctx context.Context, m Message) error {
	snapID, ok := m.Int64("project")
	if !ok {
		return missingField(MsgProjectSnapforkRequest, "project")
	}
	description, _ := m.String("description")
	masks := m.masks(MaskPair{Publish: DefaultPublish, Subscribe: DefaultSubscribe})

	snap, err := s.svc.store.Project(ctx, snapID)
	switch {
	case errors.Is(err, ErrProjectNotFound):
		s.sendReply(MsgProjectJoinReply, ReplyFail)
		return nil
	case err != nil:
		s.sendReply(MsgProjectJoinReply, ReplyFail)
		return fmt.Errorf("loading snapshot %d: %w", snapID, err)
	}

	old := s.Project()
	s.svc.registry.Remove(s)

	np, err := s.svc.store.ForkFromSnapshot(ctx, snapID, s.Username(), description, masks)
	if err != nil {
		if old != nil {
			s.svc.registry.Add(old.ID, s)
		}
		s.sendReply(MsgProjectJoinReply, ReplyFail)
		return s.forkFailure(err, snapID)
	}

	s.attach(np, masks)
	s.svc.logger.Info("snapshot forked", "session", s.id, "user", s.Username(), "snapshot", snapID, "project", np.ID)
	if err := s.Send(NewMessage(MsgProjectJoinReply).Set("reply", ReplySuccess).Set("gpid", np.GlobalID)); err != nil {
		return err
	}
	s.svc.announceFork(snap.ParentID, s, np, snap.SnapshotUpdateID)
	return nil
}

func (s *Session) forkFailure(err error, source int64) error {
	switch {
	case errors.Is(err, ErrInvalidUpdateID):
		s.sendError("fork failed: " + ErrInvalidUpdateID.Error())
	case errors.Is(err, ErrNotSnapshot):
		s.sendError("fork failed: " + ErrNotSnapshot.Error())
	case errors.Is(err, ErrProjectNotFound):
		s.sendError("fork failed: " + ErrProjectNotFound.Error())
	case errors.Is(err, ErrNotSupported):
		s.sendError("forking is not supported by this server")
	default:
		s.svc.logger.Error("forking project", "session", s.id, "source", source, "error", err)
		s.sendError("Fork Failed, could not create forked project")
	}
	return nil
}

func (s *Session) handleLeave(ctx context.Context, m Message) error {
	if p := s.Project(); p != nil {
		s.svc.logger.Info("left project", "session", s.id, "user", s.Username(), "project", p.ID)
	}
	s.detach()
	return nil
}

func (s *Session) handleSendUpdates(ctx context.Context, m Message) error {
	p := s.Project()
	if p == nil {
		s.sendError(noProjectText)
		return nil
	}
	last, ok := m.Int64("last_update")
	if !ok {
		return missingField(MsgSendUpdates, "last_update")
	}

	s.beginReplay()
	through := last
	defer func() { s.endReplay(ctx, through) }()

	var sent int
	for u, err := range s.svc.store.UpdatesSince(ctx, p.ID, last) {
		if err != nil {
			return fmt.Errorf("replaying project %d: %w", p.ID, err)
		}
		through = u.ID
		frame, err := encodeUpdate(u.Payload, u.ID)
		if err != nil {
			s.svc.logger.Warn("skipping unreadable update", "project", p.ID, "update_id", u.ID, "error", err)
			continue
		}
		if err := s.post(ctx, u.Command, frame); err != nil {
			return nil
		}
		sent++
	}
	s.svc.logger.Debug("replayed updates", "session", s.id, "project", p.ID, "since", last, "count", sent)
	return nil
}

func (s *Session) handleGetReqPerms(ctx context.Context, m Message) error {
	s.mu.RLock()
	requested := s.requested
	account := *s.account
	limits := MaskPair{Publish: FullPermissions, Subscribe: FullPermissions}
	if s.project != nil {
		limits = s.project.Masks()
	}
	s.mu.RUnlock()

	return s.Send(NewMessage(MsgGetReqPermsReply).
		Set("pub", requested.Publish).
		Set("sub", requested.Subscribe).
		Set("pub_mask", limits.Publish&account.Publish).
		Set("sub_mask", limits.Subscribe&account.Subscribe).
		Set("perms", PermissionLabels))
}

func (s *Session) handleSetReqPerms(ctx context.Context, m Message) error {
	s.mu.Lock()
	requested := m.masks(s.requested)
	s.requested = requested
	owner := s.project != nil && s.project.Owner == s.account.Username
	if s.project != nil && !owner {
		s.effective = EffectiveMasks(false, s.project.Masks(), s.account.Masks(), requested)
	}
	s.mu.Unlock()

	if owner {
		s.sendError(ownerPermsText)
		return nil
	}
	s.sendReply(MsgSetReqPermsReply, ReplySuccess)
	return nil
}

func (s *Session) handleGetProjPerms(ctx context.Context, m Message) error {
	p := s.Project()
	if p == nil {
		s.sendError(noProjectText)
		return nil
	}
	if !s.isOwner() {
		return ErrNotOwner
	}
	return s.Send(NewMessage(MsgGetProjPermsReply).
		Set("pub", p.Publish).
		Set("sub", p.Subscribe).
		Set("pub_mask", FullPermissions).
		Set("sub_mask", FullPermissions).
		Set("perms", PermissionLabels))
}

func (s *Session) handleSetProjPerms(ctx context.Context, m Message) error {
	p := s.Project()
	if p == nil {
		s.sendError(noProjectText)
		return nil
	}
	if !s.isOwner() {
		return ErrNotOwner
	}
	masks := m.masks(p.Masks())

	if err := s.svc.store.UpdateProjectPermissions(ctx, p.ID, masks); err != nil {
		return fmt.Errorf("updating permissions of %d: %w", p.ID, err)
	}
	s.svc.logger.Info("project permissions changed", "project", p.ID, "user", s.Username(), "pub", masks.Publish, "sub", masks.Subscribe)
	s.svc.applyProjectPermissions(p.ID, masks)
	s.sendReply(MsgSetProjPermsReply, ReplySuccess)
	return nil
}

func (s *Session) handleUpdate(ctx context.Context, m Message) error {
	command := m.Type()
	p := s.Project()
	if p == nil {
		s.sendError(joinFirstText)
		return nil
	}

	if !CheckPermission(s.Effective().Publish, command) {
		if _, known := MaskFor(command); !known {
			s.svc.logger.Warn("dropping unknown command", "session", s.id, "user", s.Username(), "command", command)
		} else {
			s.svc.logger.Debug("publish denied", "session", s.id, "user", s.Username(), "command", command)
		}
		return nil
	}

	delete(m, "updateid")
	payload, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", command, err)
	}
	if _, err := s.svc.dispatcher.Post(ctx, s, p.ID, command, payload); err != nil {
		if errors.Is(err, ErrDispatcherStopped) {
			s.svc.logger.Debug("update refused during shutdown", "session", s.id, "command", command)
			return nil
		}
		return err
	}
	return nil
}

package collab

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

// State is a session's position in the connection lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateInProject
	StateClosed
)

func (st State) String() string {
	switch st {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateInProject:
		return "in_project"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// errCloseSession tells the read loop to flush pending output and disconnect.
var errCloseSession = errors.New("close session")

// Session is one connected client.
type Session struct {
	id          string
	svc         *Service
	conn        net.Conn
	remote      string
	connectedAt time.Time
	stats       *CommandStats

	out       chan []byte
	done      chan struct{}
	draining  chan struct{}
	closeOnce sync.Once
	drainOnce sync.Once

	// Live frames arriving during a replay wait in held and follow it.
	holdMu     sync.Mutex
	replaying  bool
	held       []heldFrame
	replayedTo int64

	mu           sync.RWMutex
	state        State
	account      *Account
	requested    MaskPair
	effective    MaskPair
	project      *Project
	hash         string
	challenge    []byte
	authFailures int
}

func newSession(svc *Service, conn net.Conn) *Session {
	return &Session{
		id:          svc.ids.New(),
		svc:         svc,
		conn:        conn,
		remote:      conn.RemoteAddr().String(),
		connectedAt: svc.clock.Now(),
		stats:       newCommandStats(),
		out:         make(chan []byte, svc.cfg.OutboundBuffer),
		done:        make(chan struct{}),
		draining:    make(chan struct{}),
		requested:   MaskPair{Publish: FullPermissions, Subscribe: FullPermissions},
	}
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Remote() string        { return s.remote }
func (s *Session) Stats() *CommandStats  { return s.stats }
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Username returns the authenticated user, or "" before authentication.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return ""
	}
	return s.account.Username
}

// Effective returns the enforced publish/subscribe masks.
func (s *Session) Effective() MaskPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effective
}

// Requested returns the masks the client asked for.
func (s *Session) Requested() MaskPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requested
}

// Project returns a copy of the current project, or nil.
func (s *Session) Project() *Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return nil
	}
	p := *s.project
	return &p
}

func (s *Session) isOwner() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.project != nil && s.account != nil && s.project.Owner == s.account.Username
}

// Run drives the session until the peer disconnects, a keepalive fails, a
// fatal condition occurs, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	logger := s.svc.logger
	s.svc.registry.Register(s)
	defer s.Close()

	go s.writeLoop()

	logger.Info("client connected", "session", s.id, "remote", s.remote)
	if err := s.sendChallenge(); err != nil {
		logger.Error("sending challenge", "session", s.id, "error", err)
		return
	}

	msgs := make(chan Message)
	readErr := make(chan error, 1)
	go s.readLoop(msgs, readErr)

	timeout := s.svc.cfg.PingTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var pingID uint64
	pinged := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case err := <-readErr:
			logger.Debug("read ended", "session", s.id, "error", err)
			return
		case <-timer.C:
			if pinged {
				logger.Info("keepalive timeout", "session", s.id, "remote", s.remote)
				return
			}
			pingID = rand.Uint64() & 0x7fffffffffffffff
			pinged = true
			s.Send(NewMessage(MsgPing).Set("id", pingID))
			timer.Reset(timeout)
		case m := <-msgs:
			resetTimer(timer, timeout)
			pinged = false

			switch m.Type() {
			case MsgPong:
				s.stats.received(MsgPong)
				if id, ok := m.Uint64("id"); !ok || id != pingID {
					logger.Warn("pong id mismatch", "session", s.id, "remote", s.remote)
					return
				}
			case MsgPing:
				s.stats.received(MsgPing)
				reply := NewMessage(MsgPong)
				if id, ok := m["id"]; ok {
					reply.Set("id", id)
				}
				s.Send(reply)
			default:
				if err := s.handle(ctx, m); errors.Is(err, errCloseSession) {
					s.flushAndClose()
					return
				}
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (s *Session) readLoop(msgs chan<- Message, errc chan<- error) {
	dec := json.NewDecoder(s.conn)
	dec.UseNumber()
	for {
		var m Message
		if err := dec.Decode(&m); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				s.svc.logger.Warn("ignoring non-object message", "session", s.id)
				continue
			}
			errc <- err
			return
		}
		if m == nil {
			continue
		}
		select {
		case msgs <- m:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if err := s.write(frame); err != nil {
				s.Close()
				return
			}
		case <-s.draining:
			for {
				select {
				case frame := <-s.out:
					if err := s.write(frame); err != nil {
						s.Close()
						return
					}
				default:
					s.Close()
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) write(frame []byte) error {
	if s.svc.cfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.svc.cfg.WriteTimeout))
	}
	_, err := s.conn.Write(frame)
	return err
}

// maxHeldFrames bounds what a replaying session may hold back before it is
// treated as a slow consumer.
const maxHeldFrames = 1 << 14

type heldFrame struct {
	msgType  string
	frame    []byte
	updateID int64
}

// Send queues m without blocking. A full outbound buffer disconnects the
// session.
func (s *Session) Send(m Message) error {
	frame, err := m.Encode()
	if err != nil {
		return err
	}
	return s.enqueueLive(m.Type(), frame, 0)
}

// Deliver queues a relayed update if the session's subscribe mask allows
// command. Filtered updates return nil.
func (s *Session) Deliver(command string, updateID int64, frame []byte) error {
	if !CheckPermission(s.Effective().Subscribe, command) {
		return nil
	}
	return s.enqueueLive(command, frame, updateID)
}

// enqueueLive is the path for everything not produced by a replay. An
// update already covered by the last replay is dropped.
func (s *Session) enqueueLive(msgType string, frame []byte, updateID int64) error {
	s.holdMu.Lock()
	if updateID > 0 && updateID <= s.replayedTo {
		s.holdMu.Unlock()
		return nil
	}
	if s.replaying {
		if len(s.held) >= maxHeldFrames {
			s.held = nil
			s.holdMu.Unlock()
			s.svc.logger.Warn("too many updates held during replay, disconnecting", "session", s.id, "user", s.Username(), "remote", s.remote)
			s.Close()
			return ErrSlowConsumer
		}
		s.held = append(s.held, heldFrame{msgType: msgType, frame: frame, updateID: updateID})
		s.holdMu.Unlock()
		return nil
	}
	defer s.holdMu.Unlock()
	return s.enqueue(msgType, frame)
}

// beginReplay starts holding live frames.
func (s *Session) beginReplay() {
	s.holdMu.Lock()
	s.replaying = true
	s.holdMu.Unlock()
}

// endReplay writes the frames held since beginReplay, skipping updates at
// or below through, then resumes live delivery.
func (s *Session) endReplay(ctx context.Context, through int64) {
	for {
		s.holdMu.Lock()
		pending := s.held
		s.held = nil
		if len(pending) == 0 {
			s.replaying = false
			s.replayedTo = max(s.replayedTo, through)
			s.holdMu.Unlock()
			return
		}
		s.holdMu.Unlock()

		for _, h := range pending {
			if h.updateID > 0 {
				if h.updateID <= through {
					continue
				}
				through = h.updateID
			}
			if err := s.enqueueWait(ctx, h.msgType, h.frame); err != nil {
				s.holdMu.Lock()
				s.held = nil
				s.replaying = false
				s.holdMu.Unlock()
				return
			}
		}
	}
}

// post queues a replayed update, waiting for buffer space.
func (s *Session) post(ctx context.Context, command string, frame []byte) error {
	if !CheckPermission(s.Effective().Subscribe, command) {
		return nil
	}
	return s.enqueueWait(ctx, command, frame)
}

func (s *Session) enqueueWait(ctx context.Context, msgType string, frame []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- frame:
		s.stats.sent(msgType)
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) enqueue(msgType string, frame []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- frame:
		s.stats.sent(msgType)
		return nil
	default:
		s.svc.logger.Warn("outbound buffer full, disconnecting", "session", s.id, "user", s.Username(), "remote", s.remote)
		s.Close()
		return ErrSlowConsumer
	}
}

// flushAndClose writes everything already queued, then closes. It blocks
// until the session is closed.
func (s *Session) flushAndClose() {
	s.drainOnce.Do(func() { close(s.draining) })
	<-s.done
}

// Close disconnects the session. It is safe to call more than once and
// from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()
		s.svc.registry.Unregister(s)

		s.svc.logger.Info("client disconnected", "session", s.id, "user", s.Username(), "remote", s.remote)
		s.svc.logger.Debug("session stats", "session", s.id, "stats", s.stats.String())
	})
}

func (s *Session) sendChallenge() error {
	challenge, err := NewChallenge()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.challenge = challenge
	s.mu.Unlock()
	return s.Send(NewMessage(MsgInitialChallenge).Set("challenge", hex.EncodeToString(challenge)))
}

func (s *Session) sendError(text string) {
	s.Send(NewMessage(MsgError).Set("error", text))
}

func (s *Session) sendFatal(text string) {
	s.Send(NewMessage(MsgFatal).Set("error", text))
}

func (s *Session) sendReply(msgType string, code int) {
	s.Send(NewMessage(msgType).Set("reply", code))
}

// attach makes p the session's current project and registers it for delivery.
func (s *Session) attach(p *Project, requested MaskPair) {
	s.mu.Lock()
	s.project = p
	s.hash = p.Hash
	s.requested = requested
	s.effective = EffectiveMasks(p.Owner == s.account.Username, p.Masks(), s.account.Masks(), requested)
	s.state = StateInProject
	s.mu.Unlock()

	s.holdMu.Lock()
	s.replayedTo = 0
	s.holdMu.Unlock()

	s.svc.registry.Add(p.ID, s)
}

// detach leaves the current project, if any.
func (s *Session) detach() {
	s.svc.registry.Remove(s)

	s.mu.Lock()
	s.project = nil
	s.effective = MaskPair{}
	if s.state == StateInProject {
		s.state = StateAuthenticated
	}
	s.mu.Unlock()
}

// refreshProjectMasks applies new project limits and reports whether the
// session's effective masks changed. Owners are left at full permissions.
func (s *Session) refreshProjectMasks(masks MaskPair) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.project == nil || s.account == nil {
		return false
	}
	s.project.Publish = masks.Publish
	s.project.Subscribe = masks.Subscribe
	if s.project.Owner == s.account.Username {
		return false
	}
	next := EffectiveMasks(false, masks, s.account.Masks(), s.requested)
	changed := next != s.effective
	s.effective = next
	return changed
}

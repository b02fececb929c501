package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDispatcherStopped is returned by Post after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Packet is a persisted update waiting to be fanned out.
type Packet struct {
	Origin    *Session
	ProjectID int64
	Command   string
	Payload   []byte
	UpdateID  int64
}

// Dispatcher persists posted updates and relays them to every session on
// the originating project from a single consumer goroutine.
type Dispatcher struct {
	store    ProjectStore
	registry *Registry
	logger   Logger

	queue chan Packet

	// seq orders id assignment and enqueueing together so queue order
	// always matches update id order.
	seq     sync.Mutex
	stopped bool

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a queue of the given capacity.
func NewDispatcher(store ProjectStore, registry *Registry, logger Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		logger:   logger,
		queue:    make(chan Packet, queueSize),
	}
}

// Start launches the consumer goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Post persists an update and queues it for delivery, returning its id.
func (d *Dispatcher) Post(ctx context.Context, origin *Session, projectID int64, command string, payload []byte) (int64, error) {
	d.seq.Lock()
	defer d.seq.Unlock()

	if d.stopped {
		return 0, ErrDispatcherStopped
	}

	id, err := d.store.AppendUpdate(ctx, projectID, origin.Username(), command, payload)
	if err != nil {
		return 0, fmt.Errorf("appending update: %w", err)
	}

	d.queue <- Packet{
		Origin:    origin,
		ProjectID: projectID,
		Command:   command,
		Payload:   payload,
		UpdateID:  id,
	}
	return id, nil
}

// Stop refuses further posts, delivers everything already queued, and
// waits for the consumer to exit.
func (d *Dispatcher) Stop() {
	d.seq.Lock()
	if d.stopped {
		d.seq.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.seq.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for p := range d.queue {
		d.deliver(p)
	}
}

func (d *Dispatcher) deliver(p Packet) {
	frame, err := encodeUpdate(p.Payload, p.UpdateID)
	if err != nil {
		d.logger.Error("dropping undecodable update", "update_id", p.UpdateID, "error", err)
		return
	}

	d.registry.ForEach(p.ProjectID, func(s *Session) bool {
		if s == p.Origin {
			s.Send(NewMessage(MsgAckUpdateID).Set("updateid", p.UpdateID))
			return true
		}
		s.Deliver(p.Command, p.UpdateID, frame)
		return true
	})
}

package mpc

import (
	"context"
	"sync"
	"time"

	"github.com/amijkko/custody-core/internal/errs"
	"github.com/amijkko/custody-core/internal/ids"
)

// Coordinator holds a mutex-guarded map of session handles — never session
// state itself, which each Session owns on its own goroutine.
type Coordinator struct {
	node SignerNode

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewCoordinator constructs a Coordinator driving node.
func NewCoordinator(node SignerNode) *Coordinator {
	return &Coordinator{
		node:     node,
		sessions: make(map[string]*Session),
	}
}

// Begin starts a new session of the given type and returns its id and the
// signer node's first outbound message.
func (c *Coordinator) Begin(ctx context.Context, typ SessionType, participants []string, parameters RoundMessage) (string, RoundMessage, error) {
	timeout := DefaultSigningTimeout
	if typ == SessionDKG {
		timeout = DefaultDKGTimeout
	}
	sessionID := ids.New()
	session := newSession(sessionID, typ, c.node, timeout, participants)

	c.mu.Lock()
	c.sessions[sessionID] = session
	c.mu.Unlock()

	go session.run(ctx, parameters, func(snap Snapshot) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if snap.Status != StatusRunning {
			// Keep the terminal snapshot reachable for a grace period so
			// late Status() callers still observe the result, then drop it.
			time.AfterFunc(time.Minute, func() {
				c.mu.Lock()
				delete(c.sessions, sessionID)
				c.mu.Unlock()
			})
		}
	})

	select {
	case start := <-session.started:
		if start.err != nil {
			return "", nil, errs.Wrap(errs.TransientRemote, "mpc.start_failed", "signer node rejected session start", start.err)
		}
		return sessionID, start.out, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// Deliver forwards an arriving round message to the named session.
func (c *Coordinator) Deliver(ctx context.Context, sessionID string, roundN int, msg RoundMessage) error {
	session, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	return session.Deliver(ctx, roundN, msg)
}

// Status returns the current snapshot of the named session.
func (c *Coordinator) Status(sessionID string) (Snapshot, error) {
	session, err := c.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return session.Snapshot(), nil
}

// Revoke cancels a running session, used when an in-flight signing permit
// whose session timed out must be torn down per spec.md §4.5.
func (c *Coordinator) Revoke(sessionID string) error {
	session, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	if session.cancel != nil {
		session.cancel()
	}
	return nil
}

func (c *Coordinator) lookup(sessionID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[sessionID]
	if !ok {
		return nil, errs.New(errs.NotFound, "mpc.session_not_found", "no session with that id")
	}
	return session, nil
}

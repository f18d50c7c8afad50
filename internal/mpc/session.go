// Package mpc coordinates threshold-ECDSA DKG and signing sessions against
// remote signer nodes, per spec.md §4.5. Per spec.md §9 "Replacing the
// session coroutine style", each Session is a state machine value owned by a
// goroutine spawned at session creation; round messages arrive on a bounded
// channel and the session is the sole writer of its own state. The
// Coordinator's map holds *Session handles, never writing session state, mirroring how
// payoutd.Processor keeps a mutex-guarded map of lightweight status records
// rather than shared mutable sessions.
package mpc

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/amijkko/custody-core/internal/errs"
)

// SessionType distinguishes a key-generation session from a signing session.
type SessionType string

const (
	SessionDKG     SessionType = "DKG"
	SessionSigning SessionType = "SIGNING"
)

// SessionStatus enumerates a session's lifecycle stage.
type SessionStatus string

const (
	StatusRunning SessionStatus = "RUNNING"
	StatusDone    SessionStatus = "DONE"
	StatusFailed  SessionStatus = "FAILED"
	StatusTimeout SessionStatus = "TIMEOUT"
)

// DefaultDKGTimeout and DefaultSigningTimeout are the bounded windows of
// spec.md §4.5 "Timeouts & cancellation".
const (
	DefaultDKGTimeout     = 5 * time.Minute
	DefaultSigningTimeout = 2 * time.Minute
)

// RoundMessage is an opaque, undifferentiated wire payload forwarded to the
// signer node. The coordinator never parses its contents; the node
// interprets it according to its own protocol version (spec.md §4.5
// "Message formats").
type RoundMessage []byte

// SignerNode is the collaborator interface a Session drives. The real
// implementation lives in internal/signernode over nhooyr.io/websocket;
// tests supply an in-memory fake.
type SignerNode interface {
	Start(ctx context.Context, sessionID string, sessionType SessionType, parameters RoundMessage) (RoundMessage, error)
	Round(ctx context.Context, sessionID string, roundN int, in []RoundMessage) (out RoundMessage, result RoundMessage, isFinal bool, err error)
}

// Snapshot is the read-only view of a Session's public state, safe to copy
// across goroutine boundaries.
type Snapshot struct {
	SessionID        string
	Type             SessionType
	KeysetRef        string
	Status           SessionStatus
	CurrentRound     int
	TotalRounds      int
	ParticipantNodes []string
	CreatedAt        time.Time
	TimeoutAt        time.Time
	Error            string
	Result           RoundMessage
}

// inbound is one message delivered to a running session from the outside.
type inbound struct {
	roundN  int
	message RoundMessage
	reply   chan error
}

// Session owns its state machine on a dedicated goroutine. All state reads
// happen through Snapshot(), never by reaching into the struct directly.
type Session struct {
	id     string
	typ    SessionType
	node   SignerNode
	tracer trace.Tracer

	inbox   chan inbound
	started chan startResult
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	snapshot Snapshot
}

// startResult carries the signer node's first outbound message (or start
// failure) from the session's owning goroutine back to Coordinator.Begin.
type startResult struct {
	out RoundMessage
	err error
}

func newSession(id string, typ SessionType, node SignerNode, timeout time.Duration, participants []string) *Session {
	now := time.Now().UTC()
	s := &Session{
		id:     id,
		typ:    typ,
		node:   node,
		tracer: otel.Tracer("custody-core/mpc"),
		inbox:   make(chan inbound, 8),
		started: make(chan startResult, 1),
		done:    make(chan struct{}),
		snapshot: Snapshot{
			SessionID:        id,
			Type:             typ,
			Status:           StatusRunning,
			ParticipantNodes: participants,
			CreatedAt:        now,
			TimeoutAt:        now.Add(timeout),
		},
	}
	return s
}

func (s *Session) setSnapshot(mutate func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.snapshot)
}

// Snapshot returns a copy of the session's current public state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Deliver hands an arriving round message to the session's owning goroutine
// and waits for it to be accepted or rejected. It never touches session
// state directly.
func (s *Session) Deliver(ctx context.Context, roundN int, msg RoundMessage) error {
	reply := make(chan error, 1)
	select {
	case s.inbox <- inbound{roundN: roundN, message: msg, reply: reply}:
	case <-s.done:
		return errs.New(errs.ProtocolViolation, "mpc.session_closed", "session is no longer accepting messages")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the session's owning goroutine: the only code path that ever
// mutates round/result/status fields.
func (s *Session) run(ctx context.Context, parameters RoundMessage, onTerminal func(Snapshot)) {
	defer close(s.done)

	ctx, span := s.tracer.Start(ctx, "mpc.session")
	defer span.End()

	deadline := s.Snapshot().TimeoutAt
	ctx, cancel := context.WithDeadline(ctx, deadline)
	s.cancel = cancel
	defer cancel()

	out, err := s.node.Start(ctx, s.id, s.typ, parameters)
	s.started <- startResult{out: out, err: err}
	if err != nil {
		s.fail(err, onTerminal, span)
		return
	}

	round := 0
	pending := make([]RoundMessage, 0, 4)
	for {
		select {
		case <-ctx.Done():
			s.timeoutOut(onTerminal, span)
			return
		case msg := <-s.inbox:
			pending = append(pending, msg.message)
			round = msg.roundN
			s.setSnapshot(func(sn *Snapshot) { sn.CurrentRound = round })

			_, result, isFinal, err := s.node.Round(ctx, s.id, round, pending)
			msg.reply <- err
			if err != nil {
				s.fail(err, onTerminal, span)
				return
			}
			if isFinal {
				s.finish(result, onTerminal, span)
				return
			}
			pending = pending[:0]
		}
	}
}

func (s *Session) fail(err error, onTerminal func(Snapshot), span trace.Span) {
	span.SetStatus(codes.Error, err.Error())
	s.setSnapshot(func(sn *Snapshot) {
		sn.Status = StatusFailed
		sn.Error = err.Error()
	})
	onTerminal(s.Snapshot())
}

func (s *Session) timeoutOut(onTerminal func(Snapshot), span trace.Span) {
	span.SetStatus(codes.Error, "session timeout")
	s.setSnapshot(func(sn *Snapshot) {
		sn.Status = StatusTimeout
		sn.Error = "session exceeded its timeout window"
	})
	onTerminal(s.Snapshot())
}

func (s *Session) finish(result RoundMessage, onTerminal func(Snapshot), span trace.Span) {
	s.setSnapshot(func(sn *Snapshot) {
		sn.Status = StatusDone
		sn.Result = result
	})
	onTerminal(s.Snapshot())
}

// Package signernode implements the round-based RPC client the MPC
// coordinator drives against a remote threshold-signing node, ported from
// the teacher's rpc/ws.go websocket handling (nhooyr.io/websocket, a bounded
// write timeout constant, JSON envelope messages).
package signernode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nhooyr.io/websocket"

	"github.com/amijkko/custody-core/internal/errs"
	"github.com/amijkko/custody-core/internal/mpc"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 30 * time.Second
)

// envelope is the wire message exchanged with a signer node. Payload is an
// opaque round message; the coordinator never interprets its contents,
// per spec.md §4.5.
type envelope struct {
	SessionID   string          `json:"session_id"`
	SessionType string          `json:"session_type,omitempty"`
	RoundN      int             `json:"round"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	IsFinal     bool            `json:"is_final,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Client is a single connection to one signer node, implementing mpc.SignerNode.
type Client struct {
	endpoint string
	conn     *websocket.Conn
}

// Dial opens a websocket connection to a signer node at endpoint.
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, errs.Wrap(errs.TransientRemote, "signernode.dial", "dial signer node", err)
	}
	return &Client{endpoint: endpoint, conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "coordinator shutdown")
}

// Start begins a new session on the remote node and returns its first
// outbound round message.
func (c *Client) Start(ctx context.Context, sessionID string, sessionType mpc.SessionType, parameters mpc.RoundMessage) (mpc.RoundMessage, error) {
	req := envelope{
		SessionID:   sessionID,
		SessionType: string(sessionType),
		RoundN:      0,
		Payload:     json.RawMessage(parameters),
	}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	return mpc.RoundMessage(resp.Payload), nil
}

// Round delivers the accumulated round messages and returns the node's
// response.
func (c *Client) Round(ctx context.Context, sessionID string, roundN int, in []mpc.RoundMessage) (out mpc.RoundMessage, result mpc.RoundMessage, isFinal bool, err error) {
	merged, err := json.Marshal(in)
	if err != nil {
		return nil, nil, false, errs.Wrap(errs.ProtocolViolation, "signernode.marshal_round", "marshal round messages", err)
	}
	req := envelope{
		SessionID: sessionID,
		RoundN:    roundN,
		Payload:   merged,
	}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, nil, false, err
	}
	if resp.Error != "" {
		return nil, nil, false, errs.New(errs.PermanentRemote, "signernode.round_error", resp.Error)
	}
	return mpc.RoundMessage(resp.Payload), mpc.RoundMessage(resp.Result), resp.IsFinal, nil
}

func (c *Client) roundTrip(ctx context.Context, req envelope) (envelope, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return envelope{}, errs.Wrap(errs.ProtocolViolation, "signernode.marshal_request", "marshal signer-node request", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return envelope{}, errs.Wrap(errs.TransientRemote, "signernode.write", "write to signer node", err)
	}

	readCtx, cancel2 := context.WithTimeout(ctx, readTimeout)
	defer cancel2()
	_, raw, err := c.conn.Read(readCtx)
	if err != nil {
		return envelope{}, errs.Wrap(errs.TransientRemote, "signernode.read", "read from signer node", err)
	}

	var resp envelope
	if err := json.Unmarshal(raw, &resp); err != nil {
		return envelope{}, errs.Wrap(errs.ProtocolViolation, "signernode.unmarshal_response", "unmarshal signer-node response", err)
	}
	if resp.SessionID != req.SessionID {
		return envelope{}, errs.New(errs.ProtocolViolation, "signernode.session_mismatch",
			fmt.Sprintf("response session %q does not match request session %q", resp.SessionID, req.SessionID))
	}
	return resp, nil
}

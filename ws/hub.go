package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"curling-server/dispatch"
	"curling-server/matcherrors"
	"curling-server/models"
	"curling-server/wsutil"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Agents are not browsers; they authenticate with a match token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type agentKey struct {
	matchID uuid.UUID
	side    models.Side
}

// pendingShot is an outstanding shot request waiting for its agent.
type pendingShot struct {
	key   agentKey
	req   dispatch.ShotRequest
	reply chan models.ShotParams
}

type inboundShot struct {
	client *Client
	msg    ShotMsg
}

type matchOver struct {
	matchID uuid.UUID
	msg     MatchOverMsg
}

// Hub tracks one agent connection per (match, side) and routes shot
// requests and answers between the match engine and agents. All state is
// owned by the Run goroutine.
type Hub struct {
	clients map[agentKey]*Client
	pending map[agentKey]*pendingShot

	register   chan *Client
	unregister chan *Client
	requests   chan *pendingShot
	cancels    chan *pendingShot
	replies    chan inboundShot
	matchOver  chan matchOver
	done       chan struct{}

	// inbound message rate per agent connection
	msgRate  rate.Limit
	msgBurst int
}

// NewHub creates a new Hub. Agents may send perSecond messages with bursts
// of burst.
func NewHub(perSecond float64, burst int) *Hub {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &Hub{
		clients:    make(map[agentKey]*Client),
		pending:    make(map[agentKey]*pendingShot),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		requests:   make(chan *pendingShot),
		cancels:    make(chan *pendingShot),
		replies:    make(chan inboundShot),
		matchOver:  make(chan matchOver),
		done:       make(chan struct{}),
		msgRate:    rate.Limit(perSecond),
		msgBurst:   burst,
	}
}

// Run starts the hub's main loop. Should be run as a goroutine.
// When ctx is cancelled, Run closes every agent connection and returns.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown signal received, stopping", "tag", "ws")
			for key, c := range h.clients {
				delete(h.clients, key)
				close(c.Send)
			}
			return

		case c := <-h.register:
			key := c.key()
			if old, ok := h.clients[key]; ok {
				slog.Info("agent replaced by a new connection", "tag", "ws", "match", key.matchID, "team", key.side)
				close(old.Send)
			}
			h.clients[key] = c
			slog.Info("agent connected", "tag", "ws", "match", key.matchID, "team", key.side, "agents", len(h.clients))
			if p, ok := h.pending[key]; ok {
				wsutil.SendJSON(c.Send, ShotRequestMsg{Type: "shot_request", ShotRequest: p.req})
			}

		case c := <-h.unregister:
			key := c.key()
			if cur, ok := h.clients[key]; ok && cur == c {
				delete(h.clients, key)
				close(c.Send)
				slog.Info("agent disconnected", "tag", "ws", "match", key.matchID, "team", key.side, "agents", len(h.clients))
			}

		case p := <-h.requests:
			h.pending[p.key] = p
			if c, ok := h.clients[p.key]; ok {
				wsutil.SendJSON(c.Send, ShotRequestMsg{Type: "shot_request", ShotRequest: p.req})
			} else {
				slog.Info("shot requested while agent is away; clock keeps running", "tag", "ws", "match", p.key.matchID, "team", p.key.side)
			}

		case p := <-h.cancels:
			if cur, ok := h.pending[p.key]; ok && cur == p {
				delete(h.pending, p.key)
			}

		case in := <-h.replies:
			key := in.client.key()
			if cur, ok := h.clients[key]; !ok || cur != in.client {
				continue
			}
			p, ok := h.pending[key]
			if !ok || p.req.ShotID != in.msg.ShotID {
				in.client.sendError(matcherrors.ErrStaleShot.Error())
				continue
			}
			delete(h.pending, key)
			p.reply <- in.msg.Params()

		case mo := <-h.matchOver:
			for _, side := range []models.Side{models.Team0, models.Team1} {
				key := agentKey{matchID: mo.matchID, side: side}
				delete(h.pending, key)
				if c, ok := h.clients[key]; ok {
					wsutil.SendJSON(c.Send, mo.msg)
				}
			}
		}
	}
}

// RequestShot pushes req to the agent playing side and waits for its answer.
// An agent that is not connected receives the request when it connects; the
// wait is bounded only by ctx.
func (h *Hub) RequestShot(ctx context.Context, matchID uuid.UUID, side models.Side, req dispatch.ShotRequest) (models.ShotParams, error) {
	p := &pendingShot{
		key:   agentKey{matchID: matchID, side: side},
		req:   req,
		reply: make(chan models.ShotParams, 1),
	}
	select {
	case h.requests <- p:
	case <-ctx.Done():
		return models.ShotParams{}, ctx.Err()
	case <-h.done:
		return models.ShotParams{}, fmt.Errorf("agent hub stopped: %w", matcherrors.ErrAgentNotConnected)
	}

	select {
	case params := <-p.reply:
		return params, nil
	case <-ctx.Done():
		select {
		case h.cancels <- p:
		case <-h.done:
		}
		return models.ShotParams{}, ctx.Err()
	case <-h.done:
		return models.ShotParams{}, fmt.Errorf("agent hub stopped: %w", matcherrors.ErrAgentNotConnected)
	}
}

// NotifyMatchOver tells the match's agents the final result and drops any
// outstanding request.
func (h *Hub) NotifyMatchOver(matchID uuid.UUID, final models.State) {
	mo := matchOver{
		matchID: matchID,
		msg:     MatchOverMsg{Type: "match_over", Winner: final.Winner, EndReason: final.EndReason, State: final},
	}
	select {
	case h.matchOver <- mo:
	case <-h.done:
	}
}

// ServeWS upgrades an authenticated agent connection for side of matchID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, matchID uuid.UUID, side models.Side) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "tag", "ws", "err", err)
		return
	}

	client := &Client{
		Hub:     h,
		Conn:    conn,
		Send:    make(chan []byte, 256),
		MatchID: matchID,
		Side:    side,
		limiter: rate.NewLimiter(h.msgRate, h.msgBurst),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

package channel

import (
	"context"
	"log/slog"
	"sync"

	"reelforge/internal/config"
	"reelforge/internal/logging"
	"reelforge/internal/session"
)

// InboundHandler consumes free-text feedback arriving on a channel. The
// orchestrator implements it.
type InboundHandler interface {
	HandleFeedback(ctx context.Context, sessionID, message string) error
}

// SnapshotSource provides the authoritative session state for resync.
type SnapshotSource interface {
	LoadSnapshot(ctx context.Context, id string) (*session.Session, error)
}

// Hub routes events to per-session channels and attaches client
// connections. It satisfies the event sink contract of the fan-out engine
// and background runner.
type Hub struct {
	cfg       config.Channel
	snapshots SnapshotSource
	logger    *slog.Logger

	mu       sync.Mutex
	handler  InboundHandler
	channels map[string]*Channel
}

// NewHub constructs a hub. The inbound handler is wired afterward with
// SetHandler since the orchestrator and hub reference each other.
func NewHub(cfg config.Channel, snapshots SnapshotSource, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		cfg:       cfg,
		snapshots: snapshots,
		logger:    logger.With(logging.String(logging.FieldComponent, "channel")),
		channels:  make(map[string]*Channel),
	}
}

// SetHandler installs the feedback consumer. Channels created before this
// call pick it up on their next inbound message.
func (h *Hub) SetHandler(handler InboundHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
	for _, ch := range h.channels {
		ch.setHandler(handler)
	}
}

// Publish delivers an event to its session's channel, creating the channel
// on first use so events published before the client ever connects are
// buffered rather than lost.
func (h *Hub) Publish(evt session.Event) {
	h.channel(evt.SessionID).Publish(evt)
}

// Attach binds a client connection to a session's channel.
func (h *Hub) Attach(ctx context.Context, sessionID string, conn Conn) error {
	return h.channel(sessionID).Attach(ctx, conn)
}

// State reports a session channel's connection state.
func (h *Hub) State(sessionID string) ConnState {
	h.mu.Lock()
	ch, ok := h.channels[sessionID]
	h.mu.Unlock()
	if !ok {
		return StateDisconnected
	}
	return ch.State()
}

// Close detaches every active connection.
func (h *Hub) Close() {
	h.mu.Lock()
	channels := make([]*Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mu.Unlock()

	for _, ch := range channels {
		ch.Detach()
	}
}

func (h *Hub) channel(sessionID string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[sessionID]
	if !ok {
		ch = newChannel(sessionID, h.cfg, h.handler, h.snapshots, h.logger)
		h.channels[sessionID] = ch
	}
	return ch
}

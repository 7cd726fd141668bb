// Package channel manages the duplex event channel attached to each
// session: at most one live connection, heartbeat supervision, bounded
// replay of events published while disconnected, and a full snapshot
// resync when the replay buffer can no longer tell the whole story.
package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"reelforge/internal/config"
	"reelforge/internal/logging"
	"reelforge/internal/session"
)

// ConnState is the per-connection lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn abstracts one client connection. Implementations must be safe for
// one concurrent writer and one concurrent reader.
type Conn interface {
	WriteEvent(evt session.Event) error
	ReadInbound() (session.Inbound, error)
	Close() error
}

// Channel is one session's event channel.
type Channel struct {
	sessionID string
	cfg       config.Channel
	logger    *slog.Logger
	snapshots SnapshotSource

	mu             sync.Mutex
	handler        InboundHandler
	state          ConnState
	conn           Conn
	connDone       chan struct{}
	seq            map[string]uint64
	buffer         []session.Event
	overflowed     bool
	disconnectedAt time.Time
	missedBeats    int
}

func newChannel(sessionID string, cfg config.Channel, handler InboundHandler, snapshots SnapshotSource, logger *slog.Logger) *Channel {
	return &Channel{
		sessionID: sessionID,
		cfg:       cfg,
		logger:    logger.With(logging.String(logging.FieldSessionID, sessionID)),
		handler:   handler,
		snapshots: snapshots,
		state:     StateDisconnected,
		seq:       make(map[string]uint64),
	}
}

func (c *Channel) setHandler(handler InboundHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// State reports the current connection state.
func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Publish delivers an event to the connected client or buffers it for
// replay. Sequence numbers are assigned per subject so replay order can be
// verified downstream.
func (c *Channel) Publish(evt session.Event) {
	c.mu.Lock()
	c.seq[evt.SubjectRef]++
	evt.Seq = c.seq[evt.SubjectRef]

	if c.state != StateConnected || c.conn == nil {
		c.bufferLocked(evt)
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	if err := conn.WriteEvent(evt); err != nil {
		c.logger.Debug("write failed, buffering", logging.Error(err))
		c.dropConnection(conn)
		c.mu.Lock()
		c.bufferLocked(evt)
		c.mu.Unlock()
	}
}

// bufferLocked appends to the replay buffer, evicting the oldest event when
// the buffer is full. Eviction poisons replay: the next attach resyncs.
func (c *Channel) bufferLocked(evt session.Event) {
	if len(c.buffer) >= c.cfg.ReplayBufferSize {
		c.buffer = c.buffer[1:]
		c.overflowed = true
	}
	c.buffer = append(c.buffer, evt)
}

// Attach binds a connection to the channel, replacing any previous one.
// Buffered events are replayed in original order before live delivery
// resumes; after buffer overflow or a gap beyond the resume window the
// client instead receives a full session snapshot.
func (c *Channel) Attach(ctx context.Context, conn Conn) error {
	c.mu.Lock()
	previous := c.conn
	c.state = StateConnecting
	c.conn = nil
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}

	needResync := c.overflowed
	if !c.disconnectedAt.IsZero() {
		window := time.Duration(c.cfg.ResumeWindow) * time.Second
		if window > 0 && time.Since(c.disconnectedAt) > window {
			needResync = true
		}
	}
	pending := c.buffer
	c.buffer = nil
	c.overflowed = false
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	if needResync {
		if err := c.resync(ctx, conn); err != nil {
			c.mu.Lock()
			c.state = StateDisconnected
			c.disconnectedAt = time.Now()
			c.mu.Unlock()
			return err
		}
	} else if err := c.deliver(pending, conn); err != nil {
		return err
	}

	// Events published while replay was in flight land in the buffer.
	// Drain until it stays empty and go live without releasing the lock,
	// so nothing can slip in between the final drain and Connected.
	c.mu.Lock()
	for len(c.buffer) > 0 {
		pending = c.buffer
		c.buffer = nil
		c.mu.Unlock()
		if err := c.deliver(pending, conn); err != nil {
			return err
		}
		c.mu.Lock()
	}
	done := make(chan struct{})
	c.state = StateConnected
	c.conn = conn
	c.connDone = done
	c.missedBeats = 0
	c.mu.Unlock()

	go c.readLoop(ctx, conn, done)
	go c.heartbeatLoop(conn, done)
	c.logger.Info("client attached", logging.Bool("resync", needResync))
	return nil
}

// deliver replays buffered events in order. On a write failure the
// undelivered remainder is put back at the front of the buffer and the
// channel returns to Disconnected.
func (c *Channel) deliver(pending []session.Event, conn Conn) error {
	for i, evt := range pending {
		if err := conn.WriteEvent(evt); err != nil {
			c.mu.Lock()
			c.state = StateDisconnected
			c.disconnectedAt = time.Now()
			c.buffer = append(append([]session.Event(nil), pending[i:]...), c.buffer...)
			c.mu.Unlock()
			return err
		}
	}
	return nil
}

// resync sends the authoritative session snapshot in place of replay.
func (c *Channel) resync(ctx context.Context, conn Conn) error {
	sess, err := c.snapshots.LoadSnapshot(ctx, c.sessionID)
	if err != nil {
		return err
	}
	return conn.WriteEvent(session.NewEvent(session.EventSnapshot, c.sessionID, "", sess))
}

// Detach closes the active connection, leaving the channel buffering.
func (c *Channel) Detach() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.dropConnection(conn)
	}
}

// dropConnection transitions to Disconnected if conn is still the active
// connection. A stale conn (already replaced by Attach) is only closed.
func (c *Channel) dropConnection(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.state = StateDisconnected
		c.conn = nil
		c.disconnectedAt = time.Now()
		if c.connDone != nil {
			close(c.connDone)
			c.connDone = nil
		}
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Channel) readLoop(ctx context.Context, conn Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		inbound, err := conn.ReadInbound()
		if err != nil {
			c.logger.Debug("read loop ended", logging.Error(err))
			c.dropConnection(conn)
			return
		}

		switch inbound.Type {
		case session.InboundHeartbeatAck:
			c.mu.Lock()
			c.missedBeats = 0
			c.mu.Unlock()
		case session.InboundFeedback:
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler == nil {
				continue
			}
			if err := handler.HandleFeedback(ctx, c.sessionID, inbound.Message); err != nil {
				c.logger.Warn("feedback rejected", logging.Error(err))
				c.Publish(session.NewEvent(session.EventError, c.sessionID, "", map[string]string{
					"message": err.Error(),
				}))
			}
		default:
			c.logger.Debug("ignoring inbound message", logging.String("type", inbound.Type))
		}
	}
}

// heartbeatLoop sends a heartbeat each interval and counts unanswered
// beats; too many in a row forces a disconnect.
func (c *Channel) heartbeatLoop(conn Conn, done chan struct{}) {
	interval := time.Duration(c.cfg.HeartbeatInterval) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		c.missedBeats++
		missed := c.missedBeats
		c.mu.Unlock()

		if missed > c.cfg.HeartbeatMisses {
			c.logger.Info("heartbeat lost, dropping connection", logging.Int("missed", missed-1))
			c.dropConnection(conn)
			return
		}
		if err := conn.WriteEvent(session.NewEvent(session.EventHeartbeat, c.sessionID, "", nil)); err != nil {
			c.dropConnection(conn)
			return
		}
	}
}

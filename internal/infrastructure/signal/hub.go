package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrBackpressure       = errors.New("send queue full")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrTooManyConnections = errors.New("too many connections")
)

// Connection is the hub side of one client socket. Outbound frames are queued
// and written by the socket's own loop.
type Connection struct {
	addr        domain.ConnectionAddress
	remote      string
	connectedAt time.Time
	send        chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *Connection) Addr() domain.ConnectionAddress { return c.addr }

// Outbound is closed when the hub drops the connection.
func (c *Connection) Outbound() <-chan []byte { return c.send }

// TrySend queues a frame without blocking.
func (c *Connection) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub owns every live connection and hands out their addresses.
type Hub struct {
	mu        sync.RWMutex
	conns     map[domain.ConnectionAddress]*Connection
	queueSize int
	maxConns  int
	onCount   func(int)
	logger    *zap.SugaredLogger
}

var _ ports.Deliverer = (*Hub)(nil)

// NewHub creates a hub. maxConns <= 0 means unlimited.
func NewHub(queueSize, maxConns int, logger *zap.SugaredLogger) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		conns:     make(map[domain.ConnectionAddress]*Connection),
		queueSize: queueSize,
		maxConns:  maxConns,
		logger:    logger,
	}
}

// OnCountChange registers fn to receive the connection count after every
// open or close. Set it before serving.
func (h *Hub) OnCountChange(fn func(int)) {
	h.onCount = fn
}

func (h *Hub) reportCount(n int) {
	if h.onCount != nil {
		h.onCount(n)
	}
}

// Open allocates an address for a new socket.
func (h *Hub) Open(remote string) (*Connection, error) {
	h.mu.Lock()
	if h.maxConns > 0 && len(h.conns) >= h.maxConns {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}

	c := &Connection{
		addr:        domain.ConnectionAddress(uuid.NewString()),
		remote:      remote,
		connectedAt: time.Now(),
		send:        make(chan []byte, h.queueSize),
	}
	h.conns[c.addr] = c
	n := len(h.conns)
	h.mu.Unlock()

	h.reportCount(n)
	return c, nil
}

// Close forgets addr and closes its queue. Closing twice is harmless.
func (h *Hub) Close(addr domain.ConnectionAddress) {
	h.mu.Lock()
	c, ok := h.conns[addr]
	delete(h.conns, addr)
	n := len(h.conns)
	h.mu.Unlock()

	if ok {
		c.close()
		h.reportCount(n)
	}
}

// CloseAll drops every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[domain.ConnectionAddress]*Connection)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.reportCount(0)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Deliver encodes msg and queues it for addr. Unknown addresses and full
// queues yield domain.ErrDeliveryDrop.
func (h *Hub) Deliver(_ context.Context, addr domain.ConnectionAddress, msg domain.Message) error {
	h.mu.RLock()
	c, ok := h.conns[addr]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s is not connected", domain.ErrDeliveryDrop, addr)
	}

	frame, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := c.TrySend(frame); err != nil {
		if errors.Is(err, ErrBackpressure) {
			h.logger.Warnw("send queue full, dropping message",
				"address", addr,
				"remote", c.remote,
				"type", msg.MessageType(),
			)
		}
		return fmt.Errorf("%w: %v", domain.ErrDeliveryDrop, err)
	}
	return nil
}

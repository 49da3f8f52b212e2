package shelterbase

import (
	"sync"
	"sync/atomic"
)

// ConnectionState is the gateway's view of the store.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// connection tracks state transitions and the error that caused a failure.
type connection struct {
	state atomic.Int32

	mu      sync.Mutex
	lastErr error
}

func (c *connection) load() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *connection) set(s ConnectionState, cause error) {
	c.mu.Lock()
	c.lastErr = cause
	c.state.Store(int32(s))
	c.mu.Unlock()
}

func (c *connection) cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// require returns ErrConnection unless the state is Connected.
func (c *connection) require(op string) error {
	state := c.load()
	if state == StateConnected {
		return nil
	}
	return Wrap(ErrConnection, c.cause(), map[string]interface{}{
		"operation": op,
		"state":     state.String(),
	})
}

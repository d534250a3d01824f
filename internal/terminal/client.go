// Package terminal is the controller side of the session daemon
// system. Client speaks the framed socket protocol to one daemon;
// Manager launches, rediscovers, supervises and tears down the fleet
// of per-session daemons.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cluesmith/codev/internal/constants"
	"github.com/cluesmith/codev/internal/termproto"
)

// ErrClientClosed is returned by operations on a closed Client.
var ErrClientClosed = errors.New("terminal client closed")

// ErrPongTimeout is returned by Ping when the daemon does not answer
// within the deadline.
var ErrPongTimeout = errors.New("daemon did not answer ping")

// Events are the callbacks a Client delivers from its read loop. All
// callbacks run on the read loop goroutine, so a slow handler delays
// subsequent frames on this connection only.
type Events struct {
	// OnReplay receives the buffered-output dump exactly once, before
	// any OnData call.
	OnReplay func(data []byte)

	// OnData receives live child output.
	OnData func(data []byte)

	// OnExit fires when the daemon announces child termination.
	OnExit func(exit termproto.Exit)

	// OnClosed fires once when the read loop ends. err is nil when the
	// client was closed locally.
	OnClosed func(err error)
}

// Client is one attached connection to a session daemon.
type Client struct {
	nc      net.Conn
	events  Events
	welcome termproto.Welcome

	wmu sync.Mutex

	pong chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to a daemon socket and completes the handshake as the
// given client type. The replay dump is delivered to ev.OnReplay before
// Dial returns; live frames follow on a background goroutine.
func Dial(ctx context.Context, socketPath, clientType string, ev Events) (*Client, error) {
	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}

	c := &Client{
		nc:     nc,
		events: ev,
		pong:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	if err := c.handshake(clientType); err != nil {
		nc.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(clientType string) error {
	if err := c.sendJSON(termproto.FrameHello, termproto.Hello{
		Version:    termproto.Version,
		ClientType: clientType,
	}); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	c.nc.SetReadDeadline(time.Now().Add(constants.HandshakeTimeout))
	defer c.nc.SetReadDeadline(time.Time{})

	typ, payload, err := termproto.ReadFrame(c.nc)
	if err != nil {
		return fmt.Errorf("reading welcome: %w", err)
	}
	if typ != termproto.FrameWelcome {
		return fmt.Errorf("expected WELCOME, got %s", typ)
	}
	if err := json.Unmarshal(payload, &c.welcome); err != nil {
		return fmt.Errorf("parsing welcome: %w", err)
	}

	typ, payload, err = termproto.ReadFrame(c.nc)
	if err != nil {
		return fmt.Errorf("reading replay: %w", err)
	}
	if typ != termproto.FrameReplay {
		return fmt.Errorf("expected REPLAY, got %s", typ)
	}
	if c.events.OnReplay != nil {
		c.events.OnReplay(payload)
	}
	return nil
}

// Welcome returns the daemon's handshake reply.
func (c *Client) Welcome() termproto.Welcome {
	return c.welcome
}

func (c *Client) readLoop() {
	var loopErr error
	for {
		typ, payload, err := termproto.ReadFrame(c.nc)
		if err != nil {
			if errors.Is(err, termproto.ErrFrameTooLarge) {
				// Payload discarded, stream still aligned.
				continue
			}
			select {
			case <-c.closed:
				// Closed locally; not a transport failure.
			default:
				loopErr = err
			}
			break
		}
		switch typ {
		case termproto.FrameData:
			if c.events.OnData != nil {
				c.events.OnData(payload)
			}
		case termproto.FrameExit:
			var exit termproto.Exit
			if err := json.Unmarshal(payload, &exit); err == nil && c.events.OnExit != nil {
				c.events.OnExit(exit)
			}
		case termproto.FramePong:
			select {
			case c.pong <- struct{}{}:
			default:
			}
		case termproto.FramePing:
			c.send(termproto.FramePong, nil)
		default:
			// Unknown frame types are ignored for forward compatibility.
		}
	}

	c.Close()
	if c.events.OnClosed != nil {
		c.events.OnClosed(loopErr)
	}
}

func (c *Client) send(t termproto.FrameType, payload []byte) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return termproto.WriteFrame(c.nc, t, payload)
}

func (c *Client) sendJSON(t termproto.FrameType, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(t, payload)
}

// Write sends raw input bytes to the child.
func (c *Client) Write(data []byte) error {
	return c.send(termproto.FrameData, data)
}

// Resize changes the PTY dimensions.
func (c *Client) Resize(cols, rows int) error {
	return c.sendJSON(termproto.FrameResize, termproto.Resize{Cols: cols, Rows: rows})
}

// Signal asks the daemon to deliver a named signal to the child. The
// name must be in the protocol allow-list and the connection must be a
// controller for the daemon to honor it.
func (c *Client) Signal(name string) error {
	return c.sendJSON(termproto.FrameSignal, termproto.Signal{Name: name})
}

// Spawn asks the daemon to start a replacement child. Controller only.
func (c *Client) Spawn(spec termproto.Spawn) error {
	return c.sendJSON(termproto.FrameSpawn, spec)
}

// Ping probes connection liveness, waiting up to timeout for the
// daemon's pong.
func (c *Client) Ping(timeout time.Duration) error {
	// Drain a stale pong from a previous timed-out probe.
	select {
	case <-c.pong:
	default:
	}
	if err := c.send(termproto.FramePing, nil); err != nil {
		return err
	}
	select {
	case <-c.pong:
		return nil
	case <-time.After(timeout):
		return ErrPongTimeout
	case <-c.closed:
		return ErrClientClosed
	}
}

// Close detaches from the daemon. The daemon keeps running; closing a
// connection is detach, not teardown. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.nc.Close()
	})
	return nil
}

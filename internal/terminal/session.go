package terminal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cluesmith/codev/internal/procid"
	"github.com/cluesmith/codev/internal/store"
	"github.com/cluesmith/codev/internal/termproto"
)

// redialAttempts is how many times a session tries to re-establish a
// dropped controller connection before declaring the daemon gone.
const redialAttempts = 3

const redialBackoff = 200 * time.Millisecond

// Session is the manager's handle on one supervised daemon. All
// supervisory traffic (signals, respawns, liveness pings) flows through
// its controller connection.
type Session struct {
	id  string
	m   *Manager
	log *slog.Logger

	// events are the caller's callbacks, forwarded after the session's
	// own bookkeeping.
	events Events

	mu        sync.Mutex
	state     State
	client    *Client
	welcome   termproto.Welcome
	spawn     termproto.Spawn
	rec       store.Record
	restarts  int
	lastStart time.Time
	lastExit  *termproto.Exit
	reason    ExitReason
	closing   bool

	// starts counts child launches, exitsSeen the terminations observed
	// for them. The daemon re-announces the last exit to every new
	// connection, so after a redial an exit with nothing started since
	// is a re-delivery, not a new termination.
	starts         int
	exitsSeen      int
	respawnPending bool

	// exits receives one value per observed child termination; Kill
	// waits on it between the polite and the forced signal.
	exits chan termproto.Exit

	stopPing chan struct{}
	pingOnce sync.Once
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		SessionID: s.id,
		State:     s.state,
		ChildPID:  s.welcome.ChildPID,
		Restarts:  s.restarts,
		Reason:    s.reason,
	}
	if s.lastExit != nil {
		e := *s.lastExit
		st.LastExit = &e
	}
	return st
}

// Write sends input bytes to the child.
func (s *Session) Write(data []byte) error {
	c, err := s.liveClient()
	if err != nil {
		return err
	}
	return c.Write(data)
}

// Resize changes the session's PTY dimensions.
func (s *Session) Resize(cols, rows int) error {
	c, err := s.liveClient()
	if err != nil {
		return err
	}
	return c.Resize(cols, rows)
}

// Signal delivers a named signal to the child through the controller
// connection.
func (s *Session) Signal(name string) error {
	c, err := s.liveClient()
	if err != nil {
		return err
	}
	return c.Signal(name)
}

// Restart manually spawns a replacement child. It fails while the
// current child is still running; the daemon rejects overlapping
// children.
func (s *Session) Restart() error {
	c, err := s.liveClient()
	if err != nil {
		return err
	}
	s.mu.Lock()
	spawn := s.spawn
	s.starts++
	s.mu.Unlock()
	if err := c.Spawn(spawn); err != nil {
		s.mu.Lock()
		s.starts--
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.state = StateRunning
	s.lastStart = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Session) liveClient() (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrClientClosed
	}
	return s.client, nil
}

// connect dials the daemon as controller and installs the session's
// event handlers. Caller must not hold s.mu.
func (s *Session) connect(ctx context.Context, socketPath string) error {
	client, err := Dial(ctx, socketPath, termproto.ClientController, Events{
		// State is set from the replay callback, which runs during the
		// handshake: an EXIT delivered right after it must not be
		// overwritten by a stale StateRunning.
		OnReplay: func(data []byte) {
			s.mu.Lock()
			s.state = StateRunning
			s.reason = ReasonNone
			s.lastStart = time.Now()
			s.mu.Unlock()
			if s.events.OnReplay != nil {
				s.events.OnReplay(data)
			}
		},
		OnData:   s.events.OnData,
		OnExit:   s.handleExit,
		OnClosed: s.handleClosed,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.client = client
	s.welcome = client.Welcome()
	s.mu.Unlock()
	return nil
}

// handleExit applies the restart policy to a child termination.
func (s *Session) handleExit(exit termproto.Exit) {
	policy := s.m.cfg.Restart

	s.mu.Lock()
	if s.exitsSeen >= s.starts {
		// Re-delivery of an exit we already handled, from the handshake
		// after a redial. Restore the state it implies; never count it
		// against the restart budget or forward it again.
		if !s.respawnPending && !s.closing {
			s.state = StateExited
			if policy.Enabled && s.restarts >= policy.MaxRestarts {
				s.reason = ReasonRestartBudgetExceeded
			} else {
				s.reason = ReasonExited
			}
		}
		s.mu.Unlock()
		return
	}
	s.exitsSeen++
	e := exit
	s.lastExit = &e
	if policy.Enabled && policy.ResetAfter > 0 && time.Since(s.lastStart) >= policy.ResetAfter {
		s.restarts = 0
	}
	respawn := false
	switch {
	case s.closing:
		s.state = StateExited
		s.reason = ReasonExited
	case policy.Enabled && s.restarts < policy.MaxRestarts:
		s.restarts++
		s.state = StateRestarting
		s.respawnPending = true
		respawn = true
	case policy.Enabled:
		s.state = StateExited
		s.reason = ReasonRestartBudgetExceeded
	default:
		s.state = StateExited
		s.reason = ReasonExited
	}
	spawn := s.spawn
	s.mu.Unlock()

	select {
	case s.exits <- exit:
	default:
	}
	if s.events.OnExit != nil {
		s.events.OnExit(exit)
	}

	if !respawn {
		if policy.Enabled && !s.isClosing() {
			s.log.Warn("restart budget exhausted", "restarts", policy.MaxRestarts)
		}
		return
	}

	s.log.Info("restarting child", "attempt", s.Status().Restarts, "delay", policy.Delay)
	go func() {
		time.Sleep(policy.Delay)
		if s.isClosing() {
			s.mu.Lock()
			s.respawnPending = false
			s.mu.Unlock()
			return
		}
		// Re-read the client: a redial may have replaced the connection
		// this exit arrived on.
		client, err := s.liveClient()
		if err != nil {
			s.mu.Lock()
			s.respawnPending = false
			s.state = StateExited
			s.reason = ReasonExited
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		s.starts++
		s.mu.Unlock()
		if err := client.Spawn(spawn); err != nil {
			s.log.Error("respawn failed", "error", err)
			s.mu.Lock()
			s.starts--
			s.respawnPending = false
			s.state = StateExited
			s.reason = ReasonExited
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		s.respawnPending = false
		s.state = StateRunning
		s.lastStart = time.Now()
		s.mu.Unlock()
	}()
}

// handleClosed reacts to the controller connection dropping. If the
// daemon process is still itself, the connection is re-established; a
// dead or replaced process means the session is gone.
func (s *Session) handleClosed(err error) {
	if err == nil || s.isClosing() {
		return
	}
	s.log.Warn("controller connection lost", "error", err)

	s.mu.Lock()
	rec := s.rec
	socketPath := s.rec.SocketPath
	s.client = nil
	s.mu.Unlock()

	for attempt := 1; attempt <= redialAttempts; attempt++ {
		if !procid.Matches(rec.DaemonPID, rec.DaemonStartTime) {
			break
		}
		time.Sleep(redialBackoff)
		if s.isClosing() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), redialBackoff*redialAttempts)
		err := s.connect(ctx, socketPath)
		cancel()
		if err == nil {
			s.log.Info("controller connection re-established", "attempt", attempt)
			return
		}
		s.log.Warn("redial failed", "attempt", attempt, "error", err)
	}

	s.setState(StateGone, ReasonStale)
	s.log.Warn("daemon gone")
	s.m.cleanupStale(rec)
}

// pingLoop probes the connection until the session stops.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopPing:
			return
		case <-ticker.C:
			c, err := s.liveClient()
			if err != nil {
				continue
			}
			if err := c.Ping(s.m.cfg.PongTimeout); err != nil && err != ErrClientClosed {
				s.log.Warn("liveness probe failed", "error", err)
				// Closing the client fires handleClosed, which decides
				// between redial and gone.
				c.Close()
			}
		}
	}
}

func (s *Session) setState(state State, reason ExitReason) {
	s.mu.Lock()
	s.state = state
	s.reason = reason
	s.mu.Unlock()
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// stop ends supervision and detaches. The daemon is left running.
func (s *Session) stop() {
	s.mu.Lock()
	s.closing = true
	client := s.client
	s.client = nil
	s.mu.Unlock()

	s.pingOnce.Do(func() { close(s.stopPing) })
	if client != nil {
		client.Close()
	}
}

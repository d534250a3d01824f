// Package termd implements the per-session terminal daemon: a small,
// detached process that owns one pseudo-terminal and one child process,
// accepts concurrent client connections on a unix socket, and
// broadcasts the child's I/O to all of them.
//
// The daemon replaces an external terminal multiplexer. The session
// still survives controller restarts, multiple viewers still share it
// live, and a supervisor can still restart the child in place, but
// there is no global option store: every daemon is a separate process
// whose state is entirely its own, so nothing one session does can
// corrupt another.
package termd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cluesmith/codev/internal/constants"
	"github.com/cluesmith/codev/internal/procid"
	"github.com/cluesmith/codev/internal/termproto"
)

// Config describes the single session a daemon owns.
type Config struct {
	SessionID  string
	SocketPath string

	// Command is the child to run on the PTY, with Args, Dir and Env.
	// Env empty means inherit the daemon's environment.
	Command string
	Args    []string
	Dir     string
	Env     []string

	// Initial PTY dimensions. Zero values default to 80x24.
	Cols int
	Rows int

	// ReplayBytes is the replay buffer capacity. Zero means
	// DefaultReplayBytes.
	ReplayBytes int

	Logger *slog.Logger
}

// Daemon owns one PTY/child pair and its connection table. The table is
// mutated only by the daemon's own accept and close handling.
type Daemon struct {
	cfg       Config
	log       *slog.Logger
	startTime uint64

	ln net.Listener

	mu           sync.Mutex
	conns        map[uint64]*conn
	controller   *conn
	nextConnID   uint64
	everAttached bool
	ring         *RingBuffer
	ptmx         *os.File
	childPID     int
	childRunning bool
	lastExit     *termproto.Exit
	cols, rows   int

	done     chan struct{}
	doneOnce sync.Once
}

// New validates cfg and prepares a daemon. The socket is not created
// until Run.
func New(cfg Config) (*Daemon, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("session id required")
	}
	if cfg.SocketPath == "" {
		return nil, errors.New("socket path required")
	}
	if cfg.Command == "" {
		return nil, errors.New("command required")
	}
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 24
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", cfg.SessionID)

	// Start time is part of the daemon's identity; pid reuse after a
	// crash is detected by comparing it. Unavailable off Linux, in
	// which case rediscovery degrades to "gone".
	st, err := procid.StartTime(os.Getpid())
	if err != nil {
		log.Warn("process start time unavailable", "error", err)
	}

	return &Daemon{
		cfg:       cfg,
		log:       log,
		startTime: st,
		conns:     make(map[uint64]*conn),
		ring:      NewRingBuffer(cfg.ReplayBytes),
		cols:      cfg.Cols,
		rows:      cfg.Rows,
		done:      make(chan struct{}),
	}, nil
}

// Info returns the daemon's identity record as written to the info file
// and announced on stdout at startup.
func (d *Daemon) Info() Info {
	return Info{
		SessionID:  d.cfg.SessionID,
		PID:        os.Getpid(),
		StartTime:  d.startTime,
		SocketPath: d.cfg.SocketPath,
		Cols:       d.cfg.Cols,
		Rows:       d.cfg.Rows,
	}
}

// Run creates the listening socket, starts the child, and serves
// connections until ctx is cancelled or the session ends (child gone
// and the last connection closed). The socket and info files are
// removed on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", d.cfg.SocketPath, err)
	}
	d.ln = ln
	if err := os.Chmod(d.cfg.SocketPath, constants.SocketPerm); err != nil {
		ln.Close()
		os.Remove(d.cfg.SocketPath)
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	if err := d.writeInfoFile(); err != nil {
		d.log.Warn("writing info file", "error", err)
	}

	if err := d.startChild(termproto.Spawn{
		Command: d.cfg.Command,
		Args:    d.cfg.Args,
		Dir:     d.cfg.Dir,
		Env:     d.cfg.Env,
		Cols:    d.cfg.Cols,
		Rows:    d.cfg.Rows,
	}); err != nil {
		ln.Close()
		os.Remove(d.cfg.SocketPath)
		return fmt.Errorf("starting child: %w", err)
	}

	go d.acceptLoop()

	select {
	case <-ctx.Done():
		d.log.Info("shutdown requested")
	case <-d.done:
		d.log.Info("session ended")
	}

	d.shutdown()
	return nil
}

func (d *Daemon) acceptLoop() {
	for {
		nc, err := d.ln.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}
		go d.handleConn(nc)
	}
}

// handleConn performs the handshake and then serves one connection
// until it closes or misbehaves. Transport errors are scoped to the
// connection: they never take the daemon down.
func (d *Daemon) handleConn(nc net.Conn) {
	c, err := d.handshake(nc)
	if err != nil {
		d.log.Warn("handshake failed", "error", err)
		nc.Close()
		return
	}
	log := d.log.With("conn", c.id, "client_type", c.clientType)
	log.Info("client attached")

	for {
		typ, payload, err := termproto.ReadFrame(nc)
		if err != nil {
			if errors.Is(err, termproto.ErrFrameTooLarge) {
				// The announced payload was consumed and discarded, so
				// the stream is still aligned; the connection lives on.
				log.Warn("oversized frame dropped", "type", typ.String())
				continue
			}
			if errors.Is(err, io.EOF) {
				log.Info("client detached")
			} else {
				log.Warn("read failed", "error", err)
			}
			d.removeConn(c)
			return
		}
		if !d.dispatch(c, typ, payload, log) {
			d.removeConn(c)
			return
		}
	}
}

// dispatch applies one frame from a client. Returns false when the
// connection must be closed (malformed control payload).
func (d *Daemon) dispatch(c *conn, typ termproto.FrameType, payload []byte, log *slog.Logger) bool {
	switch typ {
	case termproto.FrameData:
		// Input is free-for-all: any attached viewer may type.
		d.writeChild(payload)

	case termproto.FrameResize:
		var rs termproto.Resize
		if err := json.Unmarshal(payload, &rs); err != nil {
			log.Warn("malformed resize payload", "error", err)
			return false
		}
		d.resize(rs.Cols, rs.Rows)

	case termproto.FrameSignal:
		// Supervisory action: controller connections only. A viewer's
		// SIGNAL is accepted by the protocol but has no effect.
		if !c.isController() {
			log.Debug("ignoring signal from non-controller")
			return true
		}
		var sg termproto.Signal
		if err := json.Unmarshal(payload, &sg); err != nil {
			log.Warn("malformed signal payload", "error", err)
			return false
		}
		sig, err := termproto.LookupSignal(sg.Name)
		if err != nil {
			log.Warn("rejected signal", "name", sg.Name)
			return true
		}
		d.signalChild(sig, sg.Name)

	case termproto.FrameSpawn:
		if !c.isController() {
			log.Debug("ignoring spawn from non-controller")
			return true
		}
		var sp termproto.Spawn
		if err := json.Unmarshal(payload, &sp); err != nil {
			log.Warn("malformed spawn payload", "error", err)
			return false
		}
		if err := d.respawn(sp); err != nil {
			log.Warn("spawn failed", "error", err)
		}

	case termproto.FramePing:
		if err := c.send(termproto.FramePong, nil); err != nil {
			return false
		}

	case termproto.FramePong:
		// Only the manager pings; a stray pong is harmless.

	default:
		// Unknown frame types are ignored for forward compatibility.
		log.Debug("ignoring unknown frame", "type", typ.String())
	}
	return true
}

// handshake reads HELLO, enforces versioning and client type, registers
// the connection, and replies WELCOME + REPLAY (+ EXIT when the child
// is already gone). The connection's write mutex is held across
// registration and the replay dump so no live DATA frame can slip in
// before the replay: the seam has no gap and no duplication.
func (d *Daemon) handshake(nc net.Conn) (*conn, error) {
	nc.SetReadDeadline(time.Now().Add(constants.HandshakeTimeout))
	typ, payload, err := termproto.ReadFrame(nc)
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	nc.SetReadDeadline(time.Time{})

	if typ != termproto.FrameHello {
		return nil, fmt.Errorf("expected HELLO, got %s", typ)
	}
	var hello termproto.Hello
	if err := json.Unmarshal(payload, &hello); err != nil {
		return nil, fmt.Errorf("parsing hello: %w", err)
	}
	newer, err := termproto.CheckVersion(hello.Version)
	if err != nil {
		return nil, err
	}
	if newer {
		d.log.Warn("client speaks a newer protocol version",
			"client_version", hello.Version, "our_version", termproto.Version)
	}
	switch hello.ClientType {
	case termproto.ClientController, termproto.ClientDirectAttach:
	default:
		return nil, fmt.Errorf("unknown client type %q", hello.ClientType)
	}

	c := &conn{clientType: hello.ClientType, nc: nc}

	// Bar broadcasts to this connection until the replay is written.
	c.wmu.Lock()
	defer c.wmu.Unlock()

	d.mu.Lock()
	d.nextConnID++
	c.id = d.nextConnID
	if c.isController() && d.controller != nil {
		// The controller restarted and is reclaiming its session: the
		// previous controller connection is displaced, not coexisted
		// with.
		old := d.controller
		delete(d.conns, old.id)
		d.controller = nil
		old.nc.Close()
		d.log.Info("displacing previous controller connection", "old_conn", old.id)
	}
	d.conns[c.id] = c
	if c.isController() {
		d.controller = c
	}
	d.everAttached = true
	replay := d.ring.Snapshot()
	welcome := termproto.Welcome{
		ChildPID:  d.childPID,
		Cols:      d.cols,
		Rows:      d.rows,
		StartTime: d.startTime,
	}
	var exited *termproto.Exit
	if !d.childRunning && d.lastExit != nil {
		e := *d.lastExit
		exited = &e
	}
	d.mu.Unlock()

	if err := c.sendJSONLocked(termproto.FrameWelcome, welcome); err != nil {
		d.removeConn(c)
		return nil, fmt.Errorf("sending welcome: %w", err)
	}
	if err := c.sendLocked(termproto.FrameReplay, replay); err != nil {
		d.removeConn(c)
		return nil, fmt.Errorf("sending replay: %w", err)
	}
	if exited != nil {
		// A client attaching after the child died still learns about
		// it; EXIT is not reserved for whoever was attached at the
		// time.
		if err := c.sendJSONLocked(termproto.FrameExit, *exited); err != nil {
			d.removeConn(c)
			return nil, fmt.Errorf("sending exit state: %w", err)
		}
	}
	return c, nil
}

// removeConn drops a connection from the table and closes its socket.
// Safe to call more than once for the same connection.
func (d *Daemon) removeConn(c *conn) {
	d.mu.Lock()
	if _, ok := d.conns[c.id]; ok {
		delete(d.conns, c.id)
		if d.controller == c {
			d.controller = nil
		}
	}
	sessionOver := d.everAttached && !d.childRunning && len(d.conns) == 0
	d.mu.Unlock()

	c.nc.Close()
	if sessionOver {
		d.finish()
	}
}

// broadcastOutput appends child output to the replay buffer and fans it
// out to every connection. Buffer append and recipient selection happen
// under the same lock the handshake registers under, so a new
// connection sees each byte exactly once: either in its replay dump or
// as a live frame, never both, never neither.
func (d *Daemon) broadcastOutput(data []byte) {
	d.mu.Lock()
	d.ring.Write(data)
	targets := make([]*conn, 0, len(d.conns))
	for _, c := range d.conns {
		targets = append(targets, c)
	}
	d.mu.Unlock()

	for _, c := range targets {
		if err := c.send(termproto.FrameData, data); err != nil {
			// No queuing, no retry: a slow or dead client stops
			// receiving rather than stalling the broadcast.
			d.log.Info("dropping connection after failed write", "conn", c.id)
			d.removeConn(c)
		}
	}
}

// broadcastExit notifies every connection that the child terminated.
func (d *Daemon) broadcastExit(exit termproto.Exit) {
	payload, err := json.Marshal(exit)
	if err != nil {
		d.log.Error("marshaling exit frame", "error", err)
		return
	}

	d.mu.Lock()
	targets := make([]*conn, 0, len(d.conns))
	for _, c := range d.conns {
		targets = append(targets, c)
	}
	d.mu.Unlock()

	for _, c := range targets {
		if err := c.send(termproto.FrameExit, payload); err != nil {
			d.log.Info("dropping connection after failed write", "conn", c.id)
			d.removeConn(c)
		}
	}
}

// finish signals Run that the session is over.
func (d *Daemon) finish() {
	d.doneOnce.Do(func() { close(d.done) })
}

// shutdown tears everything down: listener, connections, child, socket
// and info files. Closing the PTY master delivers a hangup to a child
// that is still running.
func (d *Daemon) shutdown() {
	if d.ln != nil {
		d.ln.Close()
	}

	d.mu.Lock()
	conns := make([]*conn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.conns = make(map[uint64]*conn)
	d.controller = nil
	ptmx := d.ptmx
	d.ptmx = nil
	d.mu.Unlock()

	for _, c := range conns {
		c.nc.Close()
	}
	if ptmx != nil {
		ptmx.Close()
	}
	os.Remove(d.cfg.SocketPath)
	os.Remove(d.cfg.SocketPath + constants.InfoSuffix)
}

package terminal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/cluesmith/codev/internal/constants"
	"github.com/cluesmith/codev/internal/procid"
	"github.com/cluesmith/codev/internal/store"
	"github.com/cluesmith/codev/internal/termproto"
)

// ErrSessionExists is returned by Create for a session id already under
// management.
var ErrSessionExists = errors.New("session already exists")

// ErrSessionNotFound is returned when no session has the given id.
var ErrSessionNotFound = errors.New("session not found")

// RestartPolicy governs automatic respawn after child exit.
type RestartPolicy struct {
	Enabled     bool
	Delay       time.Duration
	MaxRestarts int
	ResetAfter  time.Duration
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// RunDir holds sockets, info files and the discovery lock. Created
	// owner-only if missing.
	RunDir string

	// Store is the session metadata fact-of-record.
	Store store.Store

	// Launcher starts daemons. Nil means an ExecLauncher with
	// DaemonPath.
	Launcher Launcher

	// DaemonPath is the codev-termd binary for the default launcher.
	DaemonPath string

	// SessionEvents, when set, supplies the callbacks for sessions
	// picked up by Discover. Without it a resumed session's replay and
	// live output have nowhere to go.
	SessionEvents func(rec store.Record) Events

	PingInterval time.Duration
	PongTimeout  time.Duration

	// KillGrace is the pause between terminate and kill during
	// teardown.
	KillGrace time.Duration

	Restart RestartPolicy

	Logger *slog.Logger
}

// Manager supervises the fleet of session daemons: launching,
// rediscovery after its own restart, liveness, restart policy and
// teardown.
type Manager struct {
	cfg      ManagerConfig
	log      *slog.Logger
	launcher Launcher

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager validates cfg, creates the run directory and returns a
// manager with no attached sessions. Call Discover to pick up sessions
// from a previous manager process.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.RunDir == "" {
		return nil, errors.New("run dir required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = constants.DefaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = constants.DefaultPongTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = constants.DefaultKillGrace
	}
	if cfg.Restart.Enabled {
		if cfg.Restart.MaxRestarts <= 0 {
			cfg.Restart.MaxRestarts = constants.DefaultMaxRestarts
		}
		// A zero reset window would clear the counter on every exit and
		// turn the ceiling into an infinite restart loop.
		if cfg.Restart.ResetAfter <= 0 {
			cfg.Restart.ResetAfter = constants.DefaultRestartReset
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Launcher == nil {
		cfg.Launcher = &ExecLauncher{DaemonPath: cfg.DaemonPath}
	}

	if err := os.MkdirAll(cfg.RunDir, constants.RunDirPerm); err != nil {
		return nil, fmt.Errorf("creating run dir %s: %w", cfg.RunDir, err)
	}

	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		launcher: cfg.Launcher,
		sessions: make(map[string]*Session),
	}, nil
}

// CreateOptions describe a new session.
type CreateOptions struct {
	// SessionID defaults to a fresh UUID.
	SessionID string

	Command string
	Args    []string
	Dir     string
	Env     []string

	Cols, Rows  int
	ReplayBytes int

	// Role and WorkflowRef are recorded for the orchestration layer and
	// otherwise opaque here.
	Role        string
	WorkflowRef string

	// Events receive the session's output and exit notifications.
	Events Events
}

// Create launches a daemon for a new session, records it in the store
// and attaches as controller.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if opts.Command == "" {
		return nil, errors.New("command required")
	}
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	m.mu.Unlock()

	socketPath := filepath.Join(m.cfg.RunDir, constants.SocketName(id))
	spawn := termproto.Spawn{
		Command: opts.Command,
		Args:    opts.Args,
		Dir:     opts.Dir,
		Env:     opts.Env,
		Cols:    opts.Cols,
		Rows:    opts.Rows,
	}

	info, err := m.launcher.Launch(ctx, LaunchSpec{
		SessionID:   id,
		SocketPath:  socketPath,
		Command:     opts.Command,
		Args:        opts.Args,
		Dir:         opts.Dir,
		Env:         opts.Env,
		Cols:        opts.Cols,
		Rows:        opts.Rows,
		ReplayBytes: opts.ReplayBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("launching session %s: %w", id, err)
	}

	rec := store.Record{
		SessionID:       id,
		SocketPath:      socketPath,
		DaemonPID:       info.PID,
		DaemonStartTime: info.StartTime,
		Role:            opts.Role,
		WorkflowRef:     opts.WorkflowRef,
		CreatedAt:       time.Now(),
	}
	if err := m.cfg.Store.Put(ctx, rec); err != nil {
		// The daemon is already running but nothing on record points at
		// it; without this it would outlive every discovery pass.
		m.destroyDaemon(rec)
		return nil, fmt.Errorf("recording session %s: %w", id, err)
	}

	s := m.newSession(id, rec, spawn, opts.Events)
	if err := s.connect(ctx, socketPath); err != nil {
		m.destroyDaemon(rec)
		if derr := m.cfg.Store.Delete(ctx, id); derr != nil {
			m.log.Warn("deleting record after failed attach", "session", id, "error", derr)
		}
		return nil, fmt.Errorf("attaching to session %s: %w", id, err)
	}
	m.register(s)
	return s, nil
}

// Discover reconciles the store against reality: stale records (daemon
// dead, or pid reused by another process) are cleaned up, live daemons
// are re-attached as controller. The discovery lock serializes
// concurrent managers scanning the same run dir.
func (m *Manager) Discover(ctx context.Context) ([]*Session, error) {
	lock := flock.New(filepath.Join(m.cfg.RunDir, "discovery.lock"))
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquiring discovery lock: %w", err)
	}
	if !locked {
		return nil, errors.New("discovery lock unavailable")
	}
	defer lock.Unlock()

	recs, err := m.cfg.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var resumed []*Session
	for _, rec := range recs {
		m.mu.Lock()
		_, known := m.sessions[rec.SessionID]
		m.mu.Unlock()
		if known {
			continue
		}

		if !procid.Matches(rec.DaemonPID, rec.DaemonStartTime) {
			m.log.Info("cleaning up stale session",
				"session", rec.SessionID, "pid", rec.DaemonPID)
			m.cleanupStale(rec)
			if err := m.cfg.Store.Delete(ctx, rec.SessionID); err != nil {
				m.log.Warn("deleting stale record", "session", rec.SessionID, "error", err)
			}
			continue
		}

		s, err := m.resume(ctx, rec)
		if err != nil {
			m.log.Warn("resuming session", "session", rec.SessionID, "error", err)
			continue
		}
		resumed = append(resumed, s)
	}
	return resumed, nil
}

// resume re-attaches to a live daemon and verifies its identity against
// the record before trusting it.
func (m *Manager) resume(ctx context.Context, rec store.Record) (*Session, error) {
	var ev Events
	if m.cfg.SessionEvents != nil {
		ev = m.cfg.SessionEvents(rec)
	}
	s := m.newSession(rec.SessionID, rec, termproto.Spawn{}, ev)
	if err := s.connect(ctx, rec.SocketPath); err != nil {
		return nil, err
	}

	if st := s.client.Welcome().StartTime; st != rec.DaemonStartTime {
		// Whatever answered the socket is not the daemon we recorded.
		s.stop()
		m.cleanupStale(rec)
		if err := m.cfg.Store.Delete(ctx, rec.SessionID); err != nil {
			m.log.Warn("deleting mismatched record", "session", rec.SessionID, "error", err)
		}
		return nil, fmt.Errorf("daemon identity mismatch for session %s: start time %d, recorded %d",
			rec.SessionID, st, rec.DaemonStartTime)
	}

	m.register(s)
	m.log.Info("resumed session", "session", rec.SessionID, "pid", rec.DaemonPID)
	return s, nil
}

func (m *Manager) newSession(id string, rec store.Record, spawn termproto.Spawn, ev Events) *Session {
	return &Session{
		id:     id,
		m:      m,
		log:    m.log.With("session", id),
		events: ev,
		state:  StateStarting,
		rec:    rec,
		spawn:  spawn,
		// The daemon launched its child before we ever attached; the
		// first exit observed is genuine.
		starts:   1,
		exits:    make(chan termproto.Exit, 4),
		stopPing: make(chan struct{}),
	}
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	go s.pingLoop()
}

// Get returns the managed session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns all managed sessions, ordered by id.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Kill tears a session down: terminate, a grace period, then kill, then
// detach and delete the record. Killing an unknown session is not an
// error; teardown must be idempotent.
func (m *Manager) Kill(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		// Not under management; clear any leftover record and files.
		rec, err := m.cfg.Store.Get(ctx, id)
		if err == nil {
			if !procid.Matches(rec.DaemonPID, rec.DaemonStartTime) {
				m.cleanupStale(rec)
			}
			return m.cfg.Store.Delete(ctx, id)
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	s.closing = true
	client := s.client
	rec := s.rec
	childRunning := s.state == StateRunning || s.state == StateRestarting
	s.mu.Unlock()

	// Drain exits observed before teardown began so the waits below see
	// only terminations caused by our signals.
	for drained := false; !drained; {
		select {
		case <-s.exits:
		default:
			drained = true
		}
	}

	if client != nil && childRunning {
		if err := client.Signal("terminate"); err == nil {
			select {
			case <-s.exits:
			case <-time.After(m.cfg.KillGrace):
				m.log.Warn("child ignored terminate, killing", "session", id)
				if err := client.Signal("kill"); err == nil {
					select {
					case <-s.exits:
					case <-time.After(m.cfg.KillGrace):
						// A child that survives SIGKILL means the
						// daemon itself is wedged; take it down whole.
						m.log.Error("child survived kill, killing daemon", "session", id)
						m.forceKillDaemon(rec)
					}
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.stop()
	if err := m.cfg.Store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting session record %s: %w", id, err)
	}
	m.log.Info("session killed", "session", id)
	return nil
}

// Close detaches from every session without killing anything. Daemons
// keep running; a later Discover picks them back up.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	return nil
}

// destroyDaemon takes down a daemon that never made it under
// management. The child is killed through the protocol; once the child
// is dead and this connection closes, the daemon tears itself down. A
// daemon whose socket cannot even be dialed is signaled directly.
func (m *Manager) destroyDaemon(rec store.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultKillGrace)
	defer cancel()

	c, err := Dial(ctx, rec.SocketPath, termproto.ClientController, Events{})
	if err == nil {
		if serr := c.Signal("kill"); serr != nil {
			m.log.Warn("killing orphaned child", "session", rec.SessionID, "error", serr)
		}
		c.Close()
		return
	}
	m.log.Warn("orphaned daemon unreachable", "session", rec.SessionID, "error", err)
	if procid.Matches(rec.DaemonPID, rec.DaemonStartTime) {
		if err := unix.Kill(rec.DaemonPID, unix.SIGTERM); err != nil {
			m.log.Warn("terminating orphaned daemon", "pid", rec.DaemonPID, "error", err)
		}
	}
	m.cleanupStale(rec)
}

// forceKillDaemon is the last resort for a wedged daemon. Identity is
// re-verified first so a reused pid is never signaled.
func (m *Manager) forceKillDaemon(rec store.Record) {
	if !procid.Matches(rec.DaemonPID, rec.DaemonStartTime) {
		return
	}
	if err := unix.Kill(rec.DaemonPID, unix.SIGKILL); err != nil {
		m.log.Error("killing daemon", "pid", rec.DaemonPID, "error", err)
		return
	}
	m.cleanupStale(rec)
}

// cleanupStale removes a dead session's socket and info files. The
// socket path is checked to actually be a socket first, so a symlink
// planted at the recorded path cannot redirect the removal.
func (m *Manager) cleanupStale(rec store.Record) {
	fi, err := os.Lstat(rec.SocketPath)
	if err == nil && fi.Mode()&fs.ModeSocket != 0 {
		if err := os.Remove(rec.SocketPath); err != nil {
			m.log.Warn("removing stale socket", "path", rec.SocketPath, "error", err)
		}
	}
	if err := os.Remove(rec.SocketPath + constants.InfoSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.log.Warn("removing stale info file", "path", rec.SocketPath+constants.InfoSuffix, "error", err)
	}
}

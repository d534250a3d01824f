package termd

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cluesmith/codev/internal/procid"
	"github.com/cluesmith/codev/internal/termproto"
)

// startDaemon runs an in-process daemon for command and returns it with
// its socket path. The daemon is torn down when the test ends.
func startDaemon(t *testing.T, command string, args ...string) (*Daemon, string) {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "termd-test.sock")
	d, err := New(Config{
		SessionID:   "test-session",
		SocketPath:  sock,
		Command:     command,
		Args:        args,
		Cols:        80,
		Rows:        24,
		ReplayBytes: 64 * 1024,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
	})

	// Wait for the socket to appear.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sock); err == nil {
			return d, sock
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemon socket never appeared")
	return nil, ""
}

// testClient is a minimal protocol client for exercising the daemon.
type testClient struct {
	t       *testing.T
	nc      net.Conn
	welcome termproto.Welcome
	replay  []byte
}

// attach connects, handshakes as clientType, and consumes the WELCOME
// and REPLAY frames.
func attach(t *testing.T, sock, clientType string) *testClient {
	t.Helper()

	nc, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dialing daemon: %v", err)
	}
	c := &testClient{t: t, nc: nc}
	t.Cleanup(func() { nc.Close() })

	c.sendJSON(termproto.FrameHello, termproto.Hello{
		Version:    termproto.Version,
		ClientType: clientType,
	})

	typ, payload := c.readFrame(5 * time.Second)
	if typ != termproto.FrameWelcome {
		t.Fatalf("first frame = %v, want WELCOME", typ)
	}
	if err := json.Unmarshal(payload, &c.welcome); err != nil {
		t.Fatalf("parsing welcome: %v", err)
	}

	typ, payload = c.readFrame(5 * time.Second)
	if typ != termproto.FrameReplay {
		t.Fatalf("second frame = %v, want REPLAY", typ)
	}
	c.replay = payload
	return c
}

func (c *testClient) send(t termproto.FrameType, payload []byte) {
	c.t.Helper()
	if err := termproto.WriteFrame(c.nc, t, payload); err != nil {
		c.t.Fatalf("writing %v frame: %v", t, err)
	}
}

func (c *testClient) sendJSON(t termproto.FrameType, v interface{}) {
	c.t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshaling %v payload: %v", t, err)
	}
	c.send(t, payload)
}

func (c *testClient) readFrame(timeout time.Duration) (termproto.FrameType, []byte) {
	c.t.Helper()
	c.nc.SetReadDeadline(time.Now().Add(timeout))
	typ, payload, err := termproto.ReadFrame(c.nc)
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return typ, payload
}

// collectData reads DATA frames until want appears in the accumulated
// output or the timeout passes.
func (c *testClient) collectData(want string, timeout time.Duration) string {
	c.t.Helper()
	var out bytes.Buffer
	out.Write(c.replay)
	deadline := time.Now().Add(timeout)
	for !strings.Contains(out.String(), want) {
		if time.Now().After(deadline) {
			c.t.Fatalf("output %q never contained %q", out.String(), want)
		}
		c.nc.SetReadDeadline(time.Now().Add(time.Second))
		typ, payload, err := termproto.ReadFrame(c.nc)
		if err != nil {
			c.t.Fatalf("reading frame while waiting for %q: %v", want, err)
		}
		if typ == termproto.FrameData {
			out.Write(payload)
		}
	}
	return out.String()
}

// waitExit reads frames until an EXIT arrives.
func (c *testClient) waitExit(timeout time.Duration) termproto.Exit {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.nc.SetReadDeadline(time.Now().Add(time.Second))
		typ, payload, err := termproto.ReadFrame(c.nc)
		if err != nil {
			c.t.Fatalf("reading frame while waiting for EXIT: %v", err)
		}
		if typ == termproto.FrameExit {
			var exit termproto.Exit
			if err := json.Unmarshal(payload, &exit); err != nil {
				c.t.Fatalf("parsing exit: %v", err)
			}
			return exit
		}
	}
	c.t.Fatal("EXIT frame never arrived")
	return termproto.Exit{}
}

func TestDaemon_Handshake(t *testing.T) {
	_, sock := startDaemon(t, "cat")
	c := attach(t, sock, termproto.ClientController)

	if c.welcome.ChildPID <= 0 {
		t.Errorf("welcome child pid = %d, want > 0", c.welcome.ChildPID)
	}
	if c.welcome.Cols != 80 || c.welcome.Rows != 24 {
		t.Errorf("welcome dims = %dx%d, want 80x24", c.welcome.Cols, c.welcome.Rows)
	}
	st, err := procid.StartTime(os.Getpid())
	if err == nil && c.welcome.StartTime != st {
		t.Errorf("welcome start time = %d, want %d (daemon runs in-process)", c.welcome.StartTime, st)
	}
}

func TestDaemon_BroadcastEquivalence(t *testing.T) {
	// Two simultaneously attached connections must see the same byte
	// stream; input from one is echoed to both.
	_, sock := startDaemon(t, "cat")
	a := attach(t, sock, termproto.ClientController)
	b := attach(t, sock, termproto.ClientDirectAttach)

	a.send(termproto.FrameData, []byte("hello\n"))

	gotA := a.collectData("hello", 5*time.Second)
	gotB := b.collectData("hello", 5*time.Second)
	if !strings.Contains(gotA, "hello") || !strings.Contains(gotB, "hello") {
		t.Errorf("outputs diverge: a=%q b=%q", gotA, gotB)
	}
}

func TestDaemon_ReplayBeforeLiveData(t *testing.T) {
	// Output produced before any client attaches must arrive in the
	// replay dump of a later attach, complete and in order.
	_, sock := startDaemon(t, "sh", "-c", "printf 'one\\ntwo\\nthree\\n'; sleep 60")

	// Give the child time to produce its output.
	deadline := time.Now().Add(5 * time.Second)
	var c *testClient
	for {
		c = attach(t, sock, termproto.ClientDirectAttach)
		if strings.Contains(string(c.replay), "three") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replay = %q, want it to contain all three lines", c.replay)
		}
		c.nc.Close()
		time.Sleep(50 * time.Millisecond)
	}

	replay := string(c.replay)
	one := strings.Index(replay, "one")
	two := strings.Index(replay, "two")
	three := strings.Index(replay, "three")
	if one < 0 || two < one || three < two {
		t.Errorf("replay out of order: %q", replay)
	}
}

func TestDaemon_ControllerExclusivity(t *testing.T) {
	_, sock := startDaemon(t, "cat")
	first := attach(t, sock, termproto.ClientController)
	second := attach(t, sock, termproto.ClientController)

	// The displaced connection is closed by the daemon.
	first.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := termproto.ReadFrame(first.nc)
		if err != nil {
			break // closed, as expected
		}
	}

	// The second controller still works.
	second.send(termproto.FrameData, []byte("ping\n"))
	second.collectData("ping", 5*time.Second)
}

func TestDaemon_DirectAttachConnectionsCoexist(t *testing.T) {
	_, sock := startDaemon(t, "cat")
	viewers := []*testClient{
		attach(t, sock, termproto.ClientDirectAttach),
		attach(t, sock, termproto.ClientDirectAttach),
		attach(t, sock, termproto.ClientDirectAttach),
	}

	viewers[0].send(termproto.FrameData, []byte("shared\n"))
	for i, v := range viewers {
		if got := v.collectData("shared", 5*time.Second); !strings.Contains(got, "shared") {
			t.Errorf("viewer %d missing broadcast: %q", i, got)
		}
	}
}

func TestDaemon_SignalPermissions(t *testing.T) {
	d, sock := startDaemon(t, "sleep", "60")
	viewer := attach(t, sock, termproto.ClientDirectAttach)
	controller := attach(t, sock, termproto.ClientController)

	// A viewer's terminate must have no observable effect.
	viewer.sendJSON(termproto.FrameSignal, termproto.Signal{Name: "terminate"})
	time.Sleep(200 * time.Millisecond)
	d.mu.Lock()
	running := d.childRunning
	d.mu.Unlock()
	if !running {
		t.Fatal("child terminated by direct-attach signal")
	}

	// The controller's terminate kills the child.
	controller.sendJSON(termproto.FrameSignal, termproto.Signal{Name: "terminate"})
	exit := controller.waitExit(5 * time.Second)
	if exit.Signal != "SIGTERM" {
		t.Errorf("exit signal = %q, want SIGTERM", exit.Signal)
	}
}

func TestDaemon_SignalOutsideAllowList(t *testing.T) {
	d, sock := startDaemon(t, "sleep", "60")
	controller := attach(t, sock, termproto.ClientController)

	controller.sendJSON(termproto.FrameSignal, termproto.Signal{Name: "segv"})
	time.Sleep(200 * time.Millisecond)

	d.mu.Lock()
	running := d.childRunning
	d.mu.Unlock()
	if !running {
		t.Error("child affected by signal outside the allow-list")
	}

	// The connection survives a rejected signal name.
	controller.send(termproto.FramePing, nil)
	typ, _ := controller.readFrame(5 * time.Second)
	if typ != termproto.FramePong {
		t.Errorf("frame after rejected signal = %v, want PONG", typ)
	}
}

func TestDaemon_ExitBroadcastToAll(t *testing.T) {
	_, sock := startDaemon(t, "sh", "-c", "sleep 0.2; exit 7")
	a := attach(t, sock, termproto.ClientController)
	b := attach(t, sock, termproto.ClientDirectAttach)

	exitA := a.waitExit(5 * time.Second)
	exitB := b.waitExit(5 * time.Second)
	if exitA.Code != 7 || exitB.Code != 7 {
		t.Errorf("exit codes = %d/%d, want 7/7", exitA.Code, exitB.Code)
	}
}

func TestDaemon_AttachAfterExitSeesExit(t *testing.T) {
	_, sock := startDaemon(t, "sh", "-c", "echo done; exit 3")

	// First client keeps the daemon alive and observes the exit.
	keeper := attach(t, sock, termproto.ClientController)
	keeper.waitExit(5 * time.Second)

	// A later attach still learns the child is gone.
	late := attach(t, sock, termproto.ClientDirectAttach)
	exit := late.waitExit(5 * time.Second)
	if exit.Code != 3 {
		t.Errorf("late attach exit code = %d, want 3", exit.Code)
	}
	if !strings.Contains(string(late.replay), "done") {
		t.Errorf("late attach replay = %q, want it to contain %q", late.replay, "done")
	}
}

func TestDaemon_SpawnReplacesExitedChild(t *testing.T) {
	_, sock := startDaemon(t, "sh", "-c", "echo first; exit 1")
	c := attach(t, sock, termproto.ClientController)
	c.waitExit(5 * time.Second)

	c.sendJSON(termproto.FrameSpawn, termproto.Spawn{
		Command: "sh",
		Args:    []string{"-c", "echo second; sleep 60"},
	})
	got := c.collectData("second", 5*time.Second)
	if !strings.Contains(got, "second") {
		t.Errorf("output after spawn = %q, want to contain %q", got, "second")
	}
}

func TestDaemon_SpawnFromViewerIgnored(t *testing.T) {
	d, sock := startDaemon(t, "sh", "-c", "exit 0")
	c := attach(t, sock, termproto.ClientDirectAttach)
	c.waitExit(5 * time.Second)

	c.sendJSON(termproto.FrameSpawn, termproto.Spawn{Command: "sleep", Args: []string{"60"}})
	time.Sleep(200 * time.Millisecond)

	d.mu.Lock()
	running := d.childRunning
	d.mu.Unlock()
	if running {
		t.Error("direct-attach SPAWN restarted the child")
	}
}

func TestDaemon_Resize(t *testing.T) {
	d, sock := startDaemon(t, "cat")
	c := attach(t, sock, termproto.ClientDirectAttach)

	// RESIZE is honored from any client; last write wins.
	c.sendJSON(termproto.FrameResize, termproto.Resize{Cols: 132, Rows: 43})

	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		cols, rows := d.cols, d.rows
		d.mu.Unlock()
		if cols == 132 && rows == 43 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dims = %dx%d, want 132x43", cols, rows)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDaemon_MalformedControlPayloadClosesOnlyThatConnection(t *testing.T) {
	_, sock := startDaemon(t, "cat")
	bad := attach(t, sock, termproto.ClientDirectAttach)
	good := attach(t, sock, termproto.ClientDirectAttach)

	bad.send(termproto.FrameResize, []byte("{not json"))

	// The offender is closed...
	bad.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := termproto.ReadFrame(bad.nc); err != nil {
			break
		}
	}

	// ...while the other connection keeps streaming.
	good.send(termproto.FrameData, []byte("still here\n"))
	good.collectData("still here", 5*time.Second)
}

func TestDaemon_UnknownFrameIgnored(t *testing.T) {
	_, sock := startDaemon(t, "cat")
	c := attach(t, sock, termproto.ClientDirectAttach)

	c.send(termproto.FrameType(0x7F), []byte("future extension"))
	c.send(termproto.FramePing, nil)
	typ, _ := c.readFrame(5 * time.Second)
	if typ != termproto.FramePong {
		t.Errorf("frame after unknown type = %v, want PONG", typ)
	}
}

func TestDaemon_RejectsOlderProtocolVersion(t *testing.T) {
	_, sock := startDaemon(t, "cat")

	nc, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dialing daemon: %v", err)
	}
	defer nc.Close()

	payload, _ := json.Marshal(termproto.Hello{Version: 0, ClientType: termproto.ClientDirectAttach})
	if err := termproto.WriteFrame(nc, termproto.FrameHello, payload); err != nil {
		t.Fatalf("writing hello: %v", err)
	}

	nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := termproto.ReadFrame(nc); err == nil {
		t.Error("expected connection close for outdated protocol version")
	}
}

func TestDaemon_SocketPermissions(t *testing.T) {
	_, sock := startDaemon(t, "cat")
	info, err := os.Stat(sock)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket mode = %o, want 600", perm)
	}
}

func TestDaemon_InfoFile(t *testing.T) {
	d, sock := startDaemon(t, "cat")
	info, err := ReadInfo(sock + ".json")
	if err != nil {
		t.Fatalf("ReadInfo: %v", err)
	}
	if info.SessionID != "test-session" {
		t.Errorf("info session id = %q, want %q", info.SessionID, "test-session")
	}
	if info.PID != os.Getpid() {
		t.Errorf("info pid = %d, want %d (daemon runs in-process)", info.PID, os.Getpid())
	}
	if info.StartTime != d.startTime {
		t.Errorf("info start time = %d, want %d", info.StartTime, d.startTime)
	}
}

func TestDaemon_ShutdownRemovesSocketAndInfo(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "termd-short.sock")
	d, err := New(Config{
		SessionID:  "short",
		SocketPath: sock,
		Command:    "cat",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Error("socket file left behind after shutdown")
	}
	if _, err := os.Stat(sock + ".json"); !os.IsNotExist(err) {
		t.Error("info file left behind after shutdown")
	}
}

func TestDaemon_OversizedFrameKeepsConnection(t *testing.T) {
	_, sock := startDaemon(t, "sleep", "60")
	c := attach(t, sock, termproto.ClientDirectAttach)

	// A hand-rolled header announcing more than MaxPayload, followed by
	// the payload itself. The daemon must discard it and keep serving
	// this connection.
	header := make([]byte, 5)
	header[0] = byte(termproto.FrameData)
	binary.BigEndian.PutUint32(header[1:], termproto.MaxPayload+1)
	if _, err := c.nc.Write(header); err != nil {
		t.Fatalf("writing oversized header: %v", err)
	}
	if _, err := c.nc.Write(make([]byte, termproto.MaxPayload+1)); err != nil {
		t.Fatalf("writing oversized payload: %v", err)
	}

	c.send(termproto.FramePing, nil)
	typ, _ := c.readFrame(5 * time.Second)
	if typ != termproto.FramePong {
		t.Errorf("frame after oversized = %v, want PONG", typ)
	}
}

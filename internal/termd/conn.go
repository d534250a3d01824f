package termd

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/cluesmith/codev/internal/termproto"
)

// conn is one client's attachment to the daemon. All writes to the
// socket go through wmu so broadcast frames from different goroutines
// never interleave, and so the replay dump can bar live output until
// the seam is complete.
type conn struct {
	id         uint64
	clientType string
	nc         net.Conn

	wmu sync.Mutex
}

func (c *conn) isController() bool {
	return c.clientType == termproto.ClientController
}

// send writes one frame, serialized against other writers.
func (c *conn) send(t termproto.FrameType, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return termproto.WriteFrame(c.nc, t, payload)
}

// sendJSON marshals v and sends it as a frame of type t.
func (c *conn) sendJSON(t termproto.FrameType, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(t, payload)
}

// sendLocked writes one frame while the caller already holds wmu.
// Used only by the handshake path.
func (c *conn) sendLocked(t termproto.FrameType, payload []byte) error {
	return termproto.WriteFrame(c.nc, t, payload)
}

func (c *conn) sendJSONLocked(t termproto.FrameType, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.sendLocked(t, payload)
}

package citadelcore

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// maxReplayBufferBytes bounds a single ResponseReplay's queued bytes.
const maxReplayBufferBytes = 65_535_000

// replaySweepInterval is how often the orphan pruner scans for replays
// that finished, were aborted, or lost their source.
const replaySweepInterval = time.Minute

// replayDrainIdle is how long the replay server sleeps between polls of an
// empty, not-yet-complete queue.
const replayDrainIdle = 10 * time.Millisecond

// ResponseReplay is a live duplicate of a response body being streamed to
// the original client, made available to the host over the private
// loopback listener at ReplayURL.
//
// Pending replays live in a sync.Map keyed by message id rather than a fan-out
// broadcast channel, since each replay has exactly one consumer and a
// completion/abort tri-state instead of an open-ended subscriber list.
type ResponseReplay struct {
	MessageInfo *MessageInfo
	ReplayURL   string

	metrics *Metrics

	mu            sync.Mutex
	queue         [][]byte
	queuedBytes   int
	bodyComplete  bool
	replayAborted bool
	sourceAborted bool
}

// WriteBodyBytes appends a copy of chunk to the replay queue. It fails once
// the replay's buffered bytes would exceed maxReplayBufferBytes, at which
// point the caller is expected to abandon the replay.
func (r *ResponseReplay) WriteBodyBytes(chunk []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queuedBytes+len(chunk) > maxReplayBufferBytes {
		return false
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	r.queue = append(r.queue, buf)
	r.queuedBytes += len(buf)
	r.metrics.addReplayBufferedBytes(len(buf))
	return true
}

func (r *ResponseReplay) markComplete() {
	r.mu.Lock()
	r.bodyComplete = true
	r.mu.Unlock()
}

// Abort lets the host cancel the duplicate independently of the source
// stream.
func (r *ResponseReplay) Abort() {
	r.mu.Lock()
	r.replayAborted = true
	r.mu.Unlock()
}

func (r *ResponseReplay) markSourceAborted() {
	r.mu.Lock()
	r.sourceAborted = true
	r.mu.Unlock()
}

// dequeue pops the oldest chunk if present and reports whether the replay
// is done (drained and complete/aborted).
func (r *ResponseReplay) dequeue() (chunk []byte, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) > 0 {
		chunk = r.queue[0]
		r.queue = r.queue[1:]
		r.queuedBytes -= len(chunk)
		r.metrics.addReplayBufferedBytes(-len(chunk))
		return chunk, false
	}
	done = r.bodyComplete || r.replayAborted
	return nil, done
}

func (r *ResponseReplay) removable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	drained := len(r.queue) == 0
	return drained && (r.bodyComplete || r.replayAborted || r.sourceAborted)
}

// ReplayServer runs the private loopback listener: requests of shape
// GET /replay/<message_id> atomically claim and stream a pending
// ResponseReplay.
type ReplayServer struct {
	listenAddr string
	echo       *echo.Echo

	mu      sync.Mutex
	pending sync.Map // message_id (uint32) -> *ResponseReplay

	stopSweep chan struct{}
}

// NewReplayServer builds a replay server bound to loopback address addr
// (host:port, port 0 for ephemeral).
func NewReplayServer(addr string) *ReplayServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &ReplayServer{listenAddr: addr, echo: e, stopSweep: make(chan struct{})}
	e.GET("/replay/:id", s.handleReplay)
	return s
}

// Register makes a replay available for exactly one GET, and computes its
// public ReplayURL. Callers must call this before the first byte is
// written to the replay's queue is guaranteed to be observed by a serving
// handler.
func (s *ReplayServer) Register(port int, replay *ResponseReplay) {
	replay.ReplayURL = fmt.Sprintf("http://127.0.0.1:%d/replay/%d", port, replay.MessageInfo.MessageID)
	s.pending.Store(replay.MessageInfo.MessageID, replay)
}

func (s *ReplayServer) handleReplay(c echo.Context) error {
	id := c.Param("id")
	var msgID uint32
	if _, err := fmt.Sscanf(id, "%d", &msgID); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	v, ok := s.pending.LoadAndDelete(msgID)
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	replay := v.(*ResponseReplay)

	w := c.Response()
	replay.MessageInfo.mu.Lock()
	for name, values := range replay.MessageInfo.headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	status := replay.MessageInfo.Status
	replay.MessageInfo.mu.Unlock()
	w.WriteHeader(status)

	for {
		chunk, done := replay.dequeue()
		if chunk != nil {
			if _, err := w.Write(chunk); err != nil {
				return nil
			}
			w.Flush()
			continue
		}
		if done {
			w.Flush()
			return nil
		}
		time.Sleep(replayDrainIdle)
	}
}

// Start binds the loopback listener and begins serving plus the orphan
// pruner. It returns the bound *net.TCPAddr so the caller can learn the
// ephemeral port.
func (s *ReplayServer) Start() (*net.TCPAddr, error) {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: replay listener: %v", ErrBindFailed, err)
	}
	s.echo.Listener = ln
	go func() {
		_ = s.echo.Start("")
	}()
	go s.sweepLoop()
	return ln.Addr().(*net.TCPAddr), nil
}

func (s *ReplayServer) sweepLoop() {
	t := time.NewTicker(replaySweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.pending.Range(func(key, value any) bool {
				replay := value.(*ResponseReplay)
				if replay.removable() {
					s.pending.Delete(key)
				}
				return true
			})
		case <-s.stopSweep:
			return
		}
	}
}

// Stop shuts the replay server down. Idempotent.
func (s *ReplayServer) Stop() error {
	select {
	case <-s.stopSweep:
	default:
		close(s.stopSweep)
	}
	return s.echo.Close()
}

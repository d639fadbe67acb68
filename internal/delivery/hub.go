package delivery

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/copyforge/pipeline/internal/logging"
	"github.com/copyforge/pipeline/pkg/models"
)

// stream is the per-job output buffer. Chunks are append-only and
// sequence numbers are assigned here, so a reattaching client can resume
// from any acknowledged position and the orchestrator can collect the
// buffered text for persistence.
type stream struct {
	jobID    string
	chunks   []models.StreamChunk
	terminal *models.Frame
	sess     *Session
}

// Hub owns every open stream and brokers session attachment. One session
// per job; attaching replaces the previous session.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*stream

	// liveWindow caps how far behind a live session may lag before the
	// pump skips ahead. Replay after reattach is never skipped.
	liveWindow int
	grace      time.Duration
	log        *logging.Logger
}

func NewHub(liveWindow int, grace time.Duration, log *logging.Logger) *Hub {
	if liveWindow <= 0 {
		liveWindow = 256
	}
	return &Hub{
		streams:    make(map[string]*stream),
		liveWindow: liveWindow,
		grace:      grace,
		log:        log,
	}
}

// Open creates the stream for a job. It must be called before the first
// Push or Attach.
func (h *Hub) Open(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[jobID]; !ok {
		h.streams[jobID] = &stream{jobID: jobID}
	}
}

// Push appends a chunk to the job's buffer and returns its sequence
// number, starting at 1.
func (h *Hub) Push(jobID, content string) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.streams[jobID]
	if !ok {
		return 0, models.ErrStreamNotFound
	}
	seq := uint64(len(st.chunks)) + 1
	st.chunks = append(st.chunks, models.StreamChunk{Seq: seq, Content: content})
	if st.sess != nil {
		st.sess.notify()
	}
	return seq, nil
}

// Finish records the terminal frame for a job and schedules stream
// removal once the grace period for late reattachment has elapsed.
func (h *Hub) Finish(jobID string, frame models.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.streams[jobID]
	if !ok {
		return
	}
	frame.JobID = jobID
	st.terminal = &frame
	if st.sess != nil {
		st.sess.notify()
	}

	time.AfterFunc(h.grace, func() {
		h.remove(jobID)
	})
}

func (h *Hub) remove(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.streams[jobID]
	if !ok {
		return
	}
	if st.sess != nil {
		st.sess.Close()
	}
	delete(h.streams, jobID)
}

// Collect returns the buffered content joined in order. When upTo is
// nonzero only chunks with seq <= upTo are included. The chunk count is
// returned alongside the text.
func (h *Hub) Collect(jobID string, upTo uint64) (string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.streams[jobID]
	if !ok {
		return "", 0
	}
	var b strings.Builder
	n := 0
	for _, c := range st.chunks {
		if upTo != 0 && c.Seq > upTo {
			break
		}
		b.WriteString(c.Content)
		n++
	}
	return b.String(), n
}

// Attach binds a session to a job's stream and starts the pump goroutine.
// lastSeq is the highest sequence number the client has already received;
// delivery resumes at lastSeq+1 with no gaps or duplicates. An existing
// session on the same stream is displaced.
func (h *Hub) Attach(sess *Session, jobID string, lastSeq uint64) error {
	h.mu.Lock()
	st, ok := h.streams[jobID]
	if !ok {
		h.mu.Unlock()
		return models.ErrStreamNotFound
	}
	if prev := st.sess; prev != nil {
		prev.Close()
	}
	sess.JobID = jobID
	st.sess = sess
	h.mu.Unlock()

	if h.log != nil {
		h.log.WithJobID(jobID).WithSessionID(sess.ID).
			WithField("last_seq", lastSeq).Debug("Session attached")
	}

	go h.pump(st, sess, lastSeq)
	return nil
}

// Detach releases the session's hold on its stream. The stream and its
// buffer survive so the client can reattach; the job keeps running.
func (h *Hub) Detach(sess *Session) {
	sess.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[sess.JobID]
	if ok && st.sess == sess {
		st.sess = nil
	}
}

// pump drives one session: a started frame, then buffered chunks from the
// resume point, then live chunks as they arrive, then the terminal frame.
func (h *Hub) pump(st *stream, sess *Session, lastSeq uint64) {
	if !h.send(sess, models.Frame{Type: models.FrameStarted, JobID: st.jobID, Seq: lastSeq}) {
		return
	}

	cursor := lastSeq
	replaying := true
	for {
		h.mu.Lock()
		if st.sess != sess {
			h.mu.Unlock()
			return
		}
		total := uint64(len(st.chunks))
		if replaying && cursor >= total {
			replaying = false
		}
		var next *models.StreamChunk
		if cursor < total {
			if !replaying && total-cursor > uint64(h.liveWindow) {
				cursor = total - uint64(h.liveWindow)
			}
			c := st.chunks[cursor]
			next = &c
		}
		term := st.terminal
		h.mu.Unlock()

		if next != nil {
			frame := models.Frame{
				Type:    models.FrameChunk,
				JobID:   st.jobID,
				Seq:     next.Seq,
				Content: next.Content,
			}
			if !h.send(sess, frame) {
				return
			}
			cursor = next.Seq
			continue
		}

		if term != nil {
			h.send(sess, *term)
			sess.Close()
			return
		}

		select {
		case <-sess.wake:
		case <-sess.done:
			return
		}
	}
}

// send marshals and queues a frame, reporting whether the session is
// still alive.
func (h *Hub) send(sess *Session, frame models.Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	select {
	case sess.Send <- data:
		return true
	case <-sess.done:
		return false
	}
}

package pipeline

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hammy15/snfalyze-sub014/internal/model"
)

// Emitter fans progress events out to subscribers of one session. Sequence
// numbers are monotonic and totally ordered across all event kinds. There
// is no replay: a subscriber sees events from its join point forward.
type Emitter struct {
	sessionID string
	bufSize   int

	mu     sync.Mutex
	seq    uint64
	nextID int
	subs   map[int]chan model.ProgressEvent
	closed bool
}

// NewEmitter creates an emitter for one session. bufSize is the per
// subscriber channel capacity.
func NewEmitter(sessionID string, bufSize int) *Emitter {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Emitter{
		sessionID: sessionID,
		bufSize:   bufSize,
		subs:      make(map[int]chan model.ProgressEvent),
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called when the subscriber is done; the channel is closed by the emitter.
func (e *Emitter) Subscribe() (<-chan model.ProgressEvent, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan model.ProgressEvent, e.bufSize)
	if e.closed {
		close(ch)
		return ch, func() {}
	}

	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Emit assigns the next sequence number and delivers the event to every
// subscriber. A subscriber whose buffer is full is dropped rather than
// allowed to block the pipeline.
func (e *Emitter) Emit(kind model.EventKind, summary model.SessionSummary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	e.seq++
	ev := model.ProgressEvent{
		Seq:       e.seq,
		SessionID: e.sessionID,
		Kind:      kind,
		Summary:   summary,
		At:        time.Now().UTC(),
	}

	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			zap.L().Warn("progress: dropping slow subscriber",
				zap.String("session_id", e.sessionID),
				zap.Uint64("seq", ev.Seq),
			)
			delete(e.subs, id)
			close(ch)
		}
	}
}

// Close drops all subscribers. Further Emit and Subscribe calls are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}

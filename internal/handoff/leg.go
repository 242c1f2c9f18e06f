package handoff

import (
	"errors"
	"io"
	"sync"

	"github.com/creachadair/mds/queue"
)

// legBufferLimit bounds the bytes a session holds for one leg, or queues
// while no leg is open, before it stops reading the client body.
const legBufferLimit = 1 << 20

var errLegAbandoned = errors.New("handoff: leg abandoned by transport")

// legBody is the request body of one relay leg. The session appends to it
// without blocking; the transport drains it once the leg has a connection.
type legBody struct {
	mu        sync.Mutex
	chunks    *queue.Queue[[]byte]
	cur       []byte
	size      int
	ended     bool
	err       error // reported once chunks are drained; nil means io.EOF
	abandoned bool

	signal    chan struct{} // wakes Read
	space     chan struct{} // size fell under legBufferLimit
	ready     chan struct{} // closed by the first Read
	readyOnce sync.Once
}

func newLegBody() *legBody {
	return &legBody{
		chunks: queue.New[[]byte](),
		signal: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
		ready:  make(chan struct{}),
	}
}

// add appends p. It never blocks; data added after the transport gave up
// on the leg is dropped.
func (b *legBody) add(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended || b.abandoned {
		return
	}
	b.chunks.Add(p)
	b.size += len(p)
	notify(b.signal)
}

// end finishes the leg once the queued bytes are read. A non-nil err fails
// the leg instead.
func (b *legBody) end(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return
	}
	b.ended = true
	b.err = err
	if err != nil {
		b.chunks = queue.New[[]byte]()
		b.cur = nil
		b.size = 0
	}
	notify(b.signal)
}

// full reports whether the leg holds legBufferLimit bytes or more.
func (b *legBody) full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size >= legBufferLimit
}

func (b *legBody) Read(p []byte) (int, error) {
	b.readyOnce.Do(func() { close(b.ready) })
	for {
		b.mu.Lock()
		if b.abandoned {
			b.mu.Unlock()
			return 0, errLegAbandoned
		}
		if len(b.cur) == 0 {
			if next, ok := b.chunks.Pop(); ok {
				b.cur = next
			}
		}
		if len(b.cur) > 0 {
			n := copy(p, b.cur)
			b.cur = b.cur[n:]
			wasFull := b.size >= legBufferLimit
			b.size -= n
			if wasFull && b.size < legBufferLimit {
				notify(b.space)
			}
			b.mu.Unlock()
			return n, nil
		}
		if b.ended {
			err := b.err
			b.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		b.mu.Unlock()
		<-b.signal
	}
}

// Close is called by the transport when it is done with the body.
func (b *legBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abandoned = true
	b.chunks = queue.New[[]byte]()
	b.cur = nil
	b.size = 0
	notify(b.signal)
	notify(b.space)
	return nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

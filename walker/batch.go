package walker

import (
	"bytes"
	"sync"
	"time"

	"tardis.dev/errors"
	"tardis.dev/wire"
)

// batchEntry is one request queued for the next BATCH flush, paired with
// the bulk payload (if any) that must follow its header in the same order
// once the batch header itself has been sent.
type batchEntry struct {
	msg  wire.Message
	bulk []byte
}

// batcher accumulates outgoing requests and flushes them as a single
// BATCH message once either bound is reached, grounded on spec §4.7's
// batchsize/batchduration pair and session/handlers.go's handleBatch,
// which dispatches a BATCH's elements in order and returns one ACKBTCH
// carrying each element's own response in the same order.
//
// CLN (clone) requests do not go through the batcher: tryClone sends each
// one directly and waits for its ACKCLN, since the clone-vs-DIR decision
// needs that answer before the walk can continue.
type batcher struct {
	conn     *wire.Conn
	maxSize  int
	maxWait  time.Duration
	mu       sync.Mutex
	pending  []batchEntry
	opened   time.Time
	flushing bool
}

func newBatcher(conn *wire.Conn, maxSize int, maxWait time.Duration) *batcher {
	if maxSize <= 0 {
		maxSize = 100
	}
	if maxWait <= 0 {
		maxWait = 2 * time.Second
	}
	return &batcher{conn: conn, maxSize: maxSize, maxWait: maxWait}
}

// add queues msg (with optional bulk payload) and flushes immediately if
// the batch has reached maxSize or maxWait has elapsed since it was
// opened. It returns the ACKBTCH responses from a triggered flush, or nil
// if the entry was merely queued.
func (b *batcher) add(msg wire.Message, bulk []byte) ([]wire.Message, error) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.opened = time.Now()
	}
	b.pending = append(b.pending, batchEntry{msg: msg, bulk: bulk})
	due := len(b.pending) >= b.maxSize || time.Since(b.opened) >= b.maxWait
	b.mu.Unlock()
	if !due {
		return nil, nil
	}
	return b.flush()
}

// flush sends everything queued as one BATCH message, followed in order
// by each entry's bulk payload, and returns the responses from ACKBTCH.
func (b *batcher) flush() ([]wire.Message, error) {
	const op = "walker.batcher.flush"
	b.mu.Lock()
	entries := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(entries) == 0 {
		return nil, nil
	}

	batch := make([]wire.Message, len(entries))
	for i, e := range entries {
		batch[i] = e.msg
	}
	if err := b.conn.Send(wire.NewMessage("BATCH", wire.Message{"batch": batch})); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	for _, e := range entries {
		if e.bulk == nil {
			continue
		}
		if _, err := b.conn.SendBulk(bytes.NewReader(e.bulk)); err != nil {
			return nil, errors.E(op, err)
		}
	}
	resp, err := b.conn.Recv()
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	raw, _ := resp["responses"].([]interface{})
	out := make([]wire.Message, 0, len(raw))
	for _, v := range raw {
		m, _ := v.(map[string]interface{})
		out = append(out, wire.Message(m))
	}
	return out, nil
}

// empty reports whether anything is queued.
func (b *batcher) empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) == 0
}

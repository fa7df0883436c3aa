package redis

import (
	"context"
	"log"
	"sync"

	"trading-breakout/internal/model"
)

// pendingWrite is a write held while the circuit is open.
type pendingWrite struct {
	trade    *model.TradeRecord
	decision *model.DecisionRecord
	daily    []model.DailySnapshot
}

// BufferedSink wraps a sink with a circuit breaker. While the circuit is
// open, writes are buffered locally and replayed when it closes again.
// Writes never fail from the caller's point of view once buffered.
type BufferedSink struct {
	sink model.Sink
	cb   *CircuitBreaker
	ctx  context.Context

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int

	// Callbacks
	OnBuffer func()          // called when a write is buffered
	OnDrop   func()          // called when a buffered write is discarded
	OnFlush  func(count int) // called after replaying buffered writes
}

// NewBufferedSink wraps sink. maxBufferSize <= 0 means 10000.
func NewBufferedSink(ctx context.Context, sink model.Sink, cb *CircuitBreaker, maxBufferSize int) *BufferedSink {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bs := &BufferedSink{
		sink:   sink,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]pendingWrite, 0, 64),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bs.flush()
		}
	}
	return bs
}

func (bs *BufferedSink) RecordTrade(ctx context.Context, t model.TradeRecord) error {
	return bs.write(pendingWrite{trade: &t}, func() error { return bs.sink.RecordTrade(ctx, t) })
}

func (bs *BufferedSink) RecordDecision(ctx context.Context, d model.DecisionRecord) error {
	return bs.write(pendingWrite{decision: &d}, func() error { return bs.sink.RecordDecision(ctx, d) })
}

func (bs *BufferedSink) RecordDailySnapshots(ctx context.Context, snaps []model.DailySnapshot) error {
	cp := append([]model.DailySnapshot(nil), snaps...)
	return bs.write(pendingWrite{daily: cp}, func() error { return bs.sink.RecordDailySnapshots(ctx, cp) })
}

// write buffers pw on an open circuit and on a failed call.
func (bs *BufferedSink) write(pw pendingWrite, fn func() error) error {
	err := bs.cb.Execute(fn)
	if err == nil {
		return nil
	}
	if err != ErrCircuitOpen {
		log.Printf("[redis] write failed, buffering: %v", err)
	}
	bs.bufferWrite(pw)
	return nil
}

func (bs *BufferedSink) bufferWrite(pw pendingWrite) {
	bs.mu.Lock()
	dropped := false
	if len(bs.buffer) >= bs.maxBuf {
		// drop oldest
		bs.buffer = bs.buffer[1:]
		dropped = true
	}
	bs.buffer = append(bs.buffer, pw)
	bs.mu.Unlock()

	if dropped && bs.OnDrop != nil {
		bs.OnDrop()
	}
	if bs.OnBuffer != nil {
		bs.OnBuffer()
	}
}

// flush replays buffered writes in order. A failure puts the rest back at
// the head of the buffer.
func (bs *BufferedSink) flush() {
	bs.mu.Lock()
	if len(bs.buffer) == 0 {
		bs.mu.Unlock()
		return
	}
	toFlush := bs.buffer
	bs.buffer = make([]pendingWrite, 0, 64)
	bs.mu.Unlock()

	flushed := 0
	for i, pw := range toFlush {
		if err := bs.replay(pw); err != nil {
			log.Printf("[redis] flush stopped after %d writes: %v", flushed, err)
			bs.mu.Lock()
			bs.buffer = append(toFlush[i:], bs.buffer...)
			bs.mu.Unlock()
			break
		}
		flushed++
	}

	if flushed > 0 {
		log.Printf("[redis] flushed %d buffered writes", flushed)
	}
	if bs.OnFlush != nil {
		bs.OnFlush(flushed)
	}
}

func (bs *BufferedSink) replay(pw pendingWrite) error {
	switch {
	case pw.trade != nil:
		return bs.sink.RecordTrade(bs.ctx, *pw.trade)
	case pw.decision != nil:
		return bs.sink.RecordDecision(bs.ctx, *pw.decision)
	default:
		return bs.sink.RecordDailySnapshots(bs.ctx, pw.daily)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bs *BufferedSink) PendingCount() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.buffer)
}

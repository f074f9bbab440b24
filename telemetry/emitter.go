package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/llmrouter/core"
)

// Sink persists one record. Implementations must tolerate concurrent use.
type Sink interface {
	Write(ctx context.Context, record *Record) error
	Close() error
}

// Emitter hands records to a sink through a bounded queue. Emit never
// blocks the calling goroutine: when the queue is full the record is
// dropped and a counter incremented.
type Emitter struct {
	sink   Sink
	queue  chan *Record
	logger core.Logger

	dropped  atomic.Int64
	wg       sync.WaitGroup
	closed   chan struct{}
	once     sync.Once
	closeErr error
}

// NewEmitter starts the background drain goroutine.
func NewEmitter(sink Sink, queueSize int, logger core.Logger) *Emitter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	e := &Emitter{
		sink:   sink,
		queue:  make(chan *Record, queueSize),
		logger: logger,
		closed: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.drain()
	return e
}

// Emit enqueues a record. A full queue drops the record; the call that
// produced it is never delayed or failed. Emitting on a closed emitter
// drops the record too.
func (e *Emitter) Emit(record *Record) {
	if record == nil {
		return
	}
	select {
	case <-e.closed:
		e.drop(record)
		return
	default:
	}
	select {
	case e.queue <- record:
	default:
		e.drop(record)
	}
}

func (e *Emitter) drop(record *Record) {
	n := e.dropped.Add(1)
	e.logger.Warn("Telemetry record dropped", map[string]interface{}{
		"operation":     "telemetry_drop",
		"record_id":     record.RecordID,
		"total_dropped": n,
	})
}

// Dropped returns the number of records lost to queue pressure.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close flushes queued records and closes the sink. The queue channel is
// never closed: producers may still call Emit concurrently with or after
// Close, and those records are dropped, not panicked on.
func (e *Emitter) Close() error {
	e.once.Do(func() {
		close(e.closed)
		e.wg.Wait()
		e.closeErr = e.sink.Close()
	})
	return e.closeErr
}

func (e *Emitter) drain() {
	defer e.wg.Done()
	for {
		select {
		case record := <-e.queue:
			e.write(record)
		case <-e.closed:
			// Flush whatever made it into the queue before shutdown.
			for {
				select {
				case record := <-e.queue:
					e.write(record)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) write(record *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.sink.Write(ctx, record); err != nil {
		// Emission failure is logged and swallowed.
		e.logger.Error("Telemetry sink write failed", map[string]interface{}{
			"operation": "telemetry_sink_error",
			"record_id": record.RecordID,
			"error":     err.Error(),
		})
	}
}

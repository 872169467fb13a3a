package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	rerrors "github.com/otherjamesbrown/penf-recorder/pkg/errors"
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/observability"
)

// AsyncWriterConfig configures an AsyncWriter.
type AsyncWriterConfig struct {
	// Backend persists the records. If it implements BatchWriter, whole
	// batches are handed to it.
	Backend Writer
	// BufferSize is the channel capacity (default: 256).
	BufferSize int
	// BatchSize is the max records per backend write (default: 16).
	BatchSize int
	// FlushInterval is how often buffered records are written (default: 2s).
	FlushInterval time.Duration
	// EnqueueTimeout bounds how long Write waits for buffer space (default: 1s).
	EnqueueTimeout time.Duration
	// WriteTimeout bounds each backend write (default: 10s).
	WriteTimeout time.Duration
	Logger       logging.Logger
	Metrics      *observability.RecorderMetrics
}

// AsyncWriter buffers records and writes them to a backend in the background,
// so the recorder never waits on the backend.
type AsyncWriter struct {
	backend        Writer
	logger         logging.Logger
	metrics        *observability.RecorderMetrics
	entries        chan Record
	flushReqs      chan chan error
	batchSize      int
	flushInterval  time.Duration
	enqueueTimeout time.Duration
	writeTimeout   time.Duration
	wg             sync.WaitGroup
	done           chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsyncWriter creates an AsyncWriter and starts its background goroutine.
func NewAsyncWriter(cfg AsyncWriterConfig) (*AsyncWriter, error) {
	if cfg.Backend == nil {
		return nil, errors.New("async writer requires a backend")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}

	w := &AsyncWriter{
		backend:        cfg.Backend,
		logger:         cfg.Logger.With(logging.Component("async_writer")),
		metrics:        cfg.Metrics,
		entries:        make(chan Record, cfg.BufferSize),
		flushReqs:      make(chan chan error),
		batchSize:      cfg.BatchSize,
		flushInterval:  cfg.FlushInterval,
		enqueueTimeout: cfg.EnqueueTimeout,
		writeTimeout:   cfg.WriteTimeout,
		done:           make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// Write queues rec. It fails if the writer is closed or the buffer stays full
// for longer than the enqueue timeout.
func (w *AsyncWriter) Write(ctx context.Context, rec Record) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return fmt.Errorf("async writer closed: %w", rerrors.ErrShutdown)
	}

	timer := time.NewTimer(w.enqueueTimeout)
	defer timer.Stop()

	select {
	case w.entries <- rec:
		w.metrics.SetStorageQueueDepth(len(w.entries))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		w.logger.Warn("Buffer full, dropping transcript",
			logging.F("session_id", rec.SessionID))
		return fmt.Errorf("storage buffer full after %v", w.enqueueTimeout)
	}
}

// Pending returns the number of queued records.
func (w *AsyncWriter) Pending() int {
	return len(w.entries)
}

// Flush blocks until every record queued before the call is written.
func (w *AsyncWriter) Flush(ctx context.Context) error {
	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return nil
	}

	errCh := make(chan error, 1)
	select {
	case w.flushReqs <- errCh:
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes everything still queued and stops the background goroutine.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	return nil
}

func (w *AsyncWriter) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, w.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := w.writeBatch(batch)
		batch = batch[:0]
		w.metrics.SetStorageQueueDepth(len(w.entries))
		return err
	}

	// drain moves everything currently queued into batches.
	drain := func() error {
		var errs []error
		for {
			select {
			case rec := <-w.entries:
				batch = append(batch, rec)
				if len(batch) >= w.batchSize {
					errs = append(errs, flush())
				}
			default:
				errs = append(errs, flush())
				return errors.Join(errs...)
			}
		}
	}

	for {
		select {
		case rec := <-w.entries:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				_ = flush()
			}

		case <-ticker.C:
			_ = flush()

		case errCh := <-w.flushReqs:
			errCh <- drain()

		case <-w.done:
			_ = drain()
			return
		}
	}
}

// writeBatch hands a batch to the backend. Failures are logged and never
// stop the writer.
func (w *AsyncWriter) writeBatch(batch []Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()

	var err error
	if bw, ok := w.backend.(BatchWriter); ok {
		err = bw.WriteBatch(ctx, batch)
	} else {
		var errs []error
		for _, rec := range batch {
			if werr := w.backend.Write(ctx, rec); werr != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", rec.SessionID, werr))
			}
		}
		err = errors.Join(errs...)
	}

	if err != nil {
		w.logger.Error("Failed to write transcript batch",
			logging.F("batch_size", len(batch)),
			logging.Err(err))
	}
	return err
}

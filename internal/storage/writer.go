package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditWriter records runs off the request path. Log never blocks; when the
// buffer is full the record is dropped and OnDrop is called.
type AuditWriter struct {
	log    RunLog
	ch     chan *Run
	wg     sync.WaitGroup
	done   chan struct{}
	closed sync.Once

	// OnDrop, if set, is called for every record dropped on a full buffer.
	OnDrop func()
	// Backoff is the base retry delay. Zero means 100ms.
	Backoff time.Duration
}

func NewAuditWriter(runs RunLog, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		log:  runs,
		ch:   make(chan *Run, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *AuditWriter) Log(run *Run) {
	select {
	case w.ch <- run:
	default:
		log.Warn().Str("run_id", run.ID).Msg("audit buffer full, dropping run record")
		if w.OnDrop != nil {
			w.OnDrop()
		}
	}
}

// Flush stops the writer after draining buffered records, waiting at most
// timeout. It is safe to call more than once.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.closed.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case run := <-w.ch:
			w.writeWithRetry(run)
		case <-w.done:
			for {
				select {
				case run := <-w.ch:
					w.writeWithRetry(run)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(run *Run) {
	const maxRetries = 3

	base := w.Backoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.log.LogRun(ctx, run)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * base
			log.Warn().
				Err(err).
				Str("run_id", run.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("run history write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("run_id", run.ID).
				Msg("run history write failed permanently after retries")
		}
	}
}

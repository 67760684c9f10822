package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditWriter decouples the execution hot path from Postgres: records
// are buffered and written asynchronously with retry. A full buffer
// drops the record rather than blocking an execution.
type AuditWriter struct {
	db        *DB
	incidents chan *IncidentRecord
	execs     chan *ExecutionRecord
	wg        sync.WaitGroup
	done      chan struct{}
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:        db,
		incidents: make(chan *IncidentRecord, bufferSize),
		execs:     make(chan *ExecutionRecord, bufferSize),
		done:      make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// LogIncident enqueues an incident record. Never blocks.
func (w *AuditWriter) LogIncident(rec *IncidentRecord) {
	select {
	case w.incidents <- rec:
	default:
		log.Warn().Str("incident_id", rec.ID).Msg("audit buffer full, dropping incident record")
	}
}

// LogExecution enqueues an execution record. Never blocks.
func (w *AuditWriter) LogExecution(rec *ExecutionRecord) {
	select {
	case w.execs <- rec:
	default:
		log.Warn().Str("execution_id", rec.ID).Msg("audit buffer full, dropping execution record")
	}
}

// Flush stops the writer and drains buffered records, bounded by the
// timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

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
		case rec := <-w.incidents:
			w.writeWithRetry("incident", rec.ID, func(ctx context.Context) error {
				return w.db.InsertIncident(ctx, rec)
			})
		case rec := <-w.execs:
			w.writeWithRetry("execution", rec.ID, func(ctx context.Context) error {
				return w.db.InsertExecution(ctx, rec)
			})
		case <-w.done:
			w.drain()
			return
		}
	}
}

func (w *AuditWriter) drain() {
	for {
		select {
		case rec := <-w.incidents:
			w.writeWithRetry("incident", rec.ID, func(ctx context.Context) error {
				return w.db.InsertIncident(ctx, rec)
			})
		case rec := <-w.execs:
			w.writeWithRetry("execution", rec.ID, func(ctx context.Context) error {
				return w.db.InsertExecution(ctx, rec)
			})
		default:
			return
		}
	}
}

func (w *AuditWriter) writeWithRetry(kind, id string, write func(context.Context) error) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := write(ctx)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("kind", kind).
				Str("id", id).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("kind", kind).
				Str("id", id).
				Msg("audit write failed permanently after retries")
		}
	}
}

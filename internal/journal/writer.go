package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/miravisor/slotsync/internal/router"
)

// BatchSender is the subset of pgxpool.Pool the writer uses.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// WriterConfig configures the journal writer.
type WriterConfig struct {
	SessionID     string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1024,
	}
}

// WriterMetrics contains writer statistics.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64
}

const insertEntry = `
	INSERT INTO session_journal (id, session_id, kind, slot_id, provider_id, detail, epoch, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO NOTHING
`

// Writer batches entries into the session_journal table.
type Writer struct {
	cfg    WriterConfig
	logger *slog.Logger

	input *router.Queue[Entry]
	db    BatchSender
	now   func() time.Time

	// Batching
	batch       []Entry
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewWriter creates a new journal Writer.
func NewWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &Writer{
		cfg:    cfg,
		logger: logger,
		input:  router.NewQueue[Entry](cfg.BufferSize),
		db:     db,
		now:    time.Now,
		batch:  make([]Entry, 0, cfg.BatchSize),
	}
}

// Record queues an entry. It fills in ID, SessionID and At when unset.
func (w *Writer) Record(e Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.SessionID == "" {
		e.SessionID = w.cfg.SessionID
	}
	if e.At.IsZero() {
		e.At = w.now()
	}

	if !w.input.Send(e) {
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
	}
}

// Start begins consuming entries and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued entries and flushes them.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
	}

	w.input.Close()
	rest := w.input.DrainTo(0)

	w.batchMu.Lock()
	w.batch = append(w.batch, rest...)
	w.batchMu.Unlock()

	// Final flush outlives the writer's own context.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	w.flush(flushCtx)

	w.logger.Info("journal writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads queued entries and accumulates batches.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		e, err := w.input.Receive(w.ctx)
		if err != nil {
			return
		}
		w.handleEntry(e)
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleEntry adds an entry to the batch.
func (w *Writer) handleEntry(e Entry) {
	w.batchMu.Lock()
	w.batch = append(w.batch, e)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(w.ctx)
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]Entry, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("journal batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed journal entries",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []Entry) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, e := range rows {
		batch.Queue(insertEntry,
			e.ID, e.SessionID, string(e.Kind), e.SlotID, e.ProviderID, e.Detail, int64(e.Epoch), e.At,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

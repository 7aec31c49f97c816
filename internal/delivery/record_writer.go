package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/metrics"
	"github.com/zifox666/xiaobawang/internal/repository"
)

// RecordWriterConfig configures the push record writer
type RecordWriterConfig struct {
	MaxBatchSize int
	FlushTimeout time.Duration
	BufferSize   int
}

// RecordWriter batches push records and writes them to the analytics store.
// Add never blocks; records arriving while the buffer is full are dropped.
type RecordWriter struct {
	repository repository.PushRecordRepository
	config     RecordWriterConfig
	in         chan domain.PushRecord
	metrics    *metrics.Metrics
	log        *zap.Logger
}

// NewRecordWriter creates a new record writer
func NewRecordWriter(repo repository.PushRecordRepository, config RecordWriterConfig, m *metrics.Metrics, log *zap.Logger) *RecordWriter {
	if config.BufferSize <= 0 {
		config.BufferSize = config.MaxBatchSize * 4
	}
	return &RecordWriter{
		repository: repo,
		config:     config,
		in:         make(chan domain.PushRecord, config.BufferSize),
		metrics:    m,
		log:        log,
	}
}

// Add queues a record for the next batch
func (w *RecordWriter) Add(rec domain.PushRecord) {
	select {
	case w.in <- rec:
	default:
		w.metrics.PushRecords.WithLabelValues("dropped").Inc()
		w.log.Warn("Push record buffer full, dropping record", zap.Stringer("record", rec))
	}
}

// Start drains queued records into batches until ctx is cancelled, then
// writes whatever is left.
func (w *RecordWriter) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.FlushTimeout)
	defer ticker.Stop()

	batch := make([]domain.PushRecord, 0, w.config.MaxBatchSize)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Record writer shutting down")
			batch = w.drain(batch)
			if len(batch) > 0 {
				w.log.Info("Flushing final batch", zap.Int("record_count", len(batch)))
				w.writeBatch(context.WithoutCancel(ctx), batch)
			}
			return

		case rec := <-w.in:
			batch = append(batch, rec)

			if len(batch) >= w.config.MaxBatchSize {
				w.log.Debug("Batch size threshold reached", zap.Int("batch_size", len(batch)))
				w.writeBatch(ctx, batch)
				batch = make([]domain.PushRecord, 0, w.config.MaxBatchSize)
				ticker.Reset(w.config.FlushTimeout)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.log.Debug("Batch timeout reached", zap.Int("record_count", len(batch)))
				w.writeBatch(ctx, batch)
				batch = make([]domain.PushRecord, 0, w.config.MaxBatchSize)
			}
		}
	}
}

func (w *RecordWriter) drain(batch []domain.PushRecord) []domain.PushRecord {
	for {
		select {
		case rec := <-w.in:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

// writeBatch inserts records. Failures are logged and counted; the audit
// trail is best effort and never blocks delivery.
func (w *RecordWriter) writeBatch(ctx context.Context, records []domain.PushRecord) {
	if len(records) == 0 {
		return
	}

	inserted, err := w.repository.InsertBatch(ctx, records)
	if err != nil {
		w.metrics.PushRecords.WithLabelValues("failed").Add(float64(len(records)))
		w.log.Error("Failed to insert push records",
			zap.Error(err),
			zap.Int("record_count", len(records)))
		return
	}

	if inserted != len(records) {
		w.log.Warn("Partial insert success",
			zap.Int("inserted", inserted),
			zap.Int("expected", len(records)))
		w.metrics.PushRecords.WithLabelValues("failed").Add(float64(len(records) - inserted))
	}

	w.metrics.PushRecords.WithLabelValues("written").Add(float64(inserted))
	w.log.Debug("Inserted push records", zap.Int("count", inserted))
}

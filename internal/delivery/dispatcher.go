package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/metrics"
)

// Flush reasons reported in logs and metrics
const (
	reasonScan      = "scan"
	reasonThreshold = "threshold"
	reasonShutdown  = "shutdown"
	reasonImmediate = "immediate"
)

// Config controls buffering per destination
type Config struct {
	MaxMessages           int
	ImmediateFlushCount   int
	CheckInterval         time.Duration
	MaxWait               time.Duration
	ExtendedWaitThreshold int
	MaxMergeItems         int
	ShutdownTimeout       time.Duration
}

// Deps are the dispatcher's optional collaborators. Nil members are skipped.
type Deps struct {
	Images  *ImageStore
	Refs    RefSaver
	Records RecordSink
}

type buffer struct {
	items      []domain.QueuedMessage
	lastActive time.Time
}

// Dispatcher owns one buffer per destination key and a single scan loop
// that decides when each buffer is flushed.
type Dispatcher struct {
	sender  Sender
	deps    Deps
	config  Config
	now     func() time.Time
	metrics *metrics.Metrics
	log     *zap.Logger

	mu      sync.Mutex
	buffers map[domain.DestinationKey]*buffer
	flushes sync.WaitGroup
	ctx     context.Context
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(sender Sender, deps Deps, config Config, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		deps:    deps,
		config:  config,
		now:     time.Now,
		metrics: m,
		log:     log,
		buffers: make(map[domain.DestinationKey]*buffer),
		ctx:     context.Background(),
	}
}

// Add admits msg for dest. Immediate messages are sent right away and never
// buffered. A full buffer evicts its oldest message.
func (d *Dispatcher) Add(ctx context.Context, dest domain.DestinationKey, msg domain.QueuedMessage, immediate bool) {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = d.now()
	}
	d.record(dest, msg)

	if immediate {
		d.metrics.Flushes.WithLabelValues(reasonImmediate).Inc()
		d.sendEach(ctx, dest, []domain.QueuedMessage{msg})
		return
	}

	d.mu.Lock()
	buf, ok := d.buffers[dest]
	if !ok {
		buf = &buffer{}
		d.buffers[dest] = buf
	}

	var evicted *domain.QueuedMessage
	if d.config.MaxMessages > 0 && len(buf.items) >= d.config.MaxMessages {
		oldest := buf.items[0]
		evicted = &oldest
		buf.items = append(buf.items[:0:0], buf.items[1:]...)
	}
	buf.items = append(buf.items, msg)
	buf.lastActive = d.now()
	n := len(buf.items)
	d.mu.Unlock()

	if evicted != nil {
		d.metrics.Evictions.Inc()
		d.log.Warn("Destination buffer full, evicting oldest message",
			zap.String("destination", dest.String()),
			zap.Int("max_messages", d.config.MaxMessages),
			zap.Int64("evicted_kill_id", evicted.Metadata.KillID))
		d.deps.Images.Release(evicted.Metadata.ImagePath)
	} else {
		d.metrics.DeliveryQueued.Inc()
	}

	d.log.Debug("Message buffered",
		zap.String("destination", dest.String()),
		zap.Int64("kill_id", msg.Metadata.KillID),
		zap.Int("length", n))

	if d.config.ImmediateFlushCount > 0 && n == d.config.ImmediateFlushCount {
		d.log.Info("Destination reached immediate flush count",
			zap.String("destination", dest.String()),
			zap.Int("length", n))
		d.flushes.Add(1)
		go func() {
			defer d.flushes.Done()
			d.flush(d.baseContext(), dest, reasonThreshold)
		}()
	}
}

func (d *Dispatcher) record(dest domain.DestinationKey, msg domain.QueuedMessage) {
	if d.deps.Records == nil {
		return
	}
	d.deps.Records.Add(domain.PushRecord{
		Destination: dest,
		KillID:      msg.Metadata.KillID,
		PushedAt:    msg.EnqueuedAt,
	})
}

func (d *Dispatcher) baseContext() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}

// ScanInterval is how often buffers are checked
func (d *Dispatcher) ScanInterval() time.Duration {
	interval := d.config.CheckInterval / 2
	if interval > 10*time.Second {
		interval = 10 * time.Second
	}
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

// Run scans the buffers until ctx is cancelled, then flushes every
// non-empty buffer once within the shutdown timeout.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	ticker := time.NewTicker(d.ScanInterval())
	defer ticker.Stop()

	d.log.Info("Delivery dispatcher started", zap.Duration("scan_interval", d.ScanInterval()))

	for {
		select {
		case <-ctx.Done():
			d.shutdown(ctx)
			return
		case <-ticker.C:
			for _, dest := range d.due() {
				d.flush(ctx, dest, reasonScan)
			}
		}
	}
}

func (d *Dispatcher) shutdown(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.config.ShutdownTimeout)
	defer cancel()

	d.mu.Lock()
	d.ctx = ctx
	dests := make([]domain.DestinationKey, 0, len(d.buffers))
	for dest, buf := range d.buffers {
		if len(buf.items) > 0 {
			dests = append(dests, dest)
		}
	}
	d.mu.Unlock()

	d.log.Info("Delivery dispatcher shutting down", zap.Int("pending_destinations", len(dests)))
	for _, dest := range dests {
		if ctx.Err() != nil {
			d.log.Warn("Shutdown timeout reached, abandoning buffered messages")
			break
		}
		d.flush(ctx, dest, reasonShutdown)
	}
	d.flushes.Wait()
}

// due returns the destinations whose buffers should be flushed now
func (d *Dispatcher) due() []domain.DestinationKey {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	var out []domain.DestinationKey
	for dest, buf := range d.buffers {
		n := len(buf.items)
		if n == 0 {
			continue
		}
		if d.shouldFlush(n, now.Sub(buf.lastActive)) {
			out = append(out, dest)
		}
	}
	return out
}

func (d *Dispatcher) shouldFlush(n int, wait time.Duration) bool {
	if d.config.ImmediateFlushCount > 0 && n == d.config.ImmediateFlushCount {
		return true
	}
	if n > d.config.ExtendedWaitThreshold {
		adjusted := time.Duration(float64(d.config.CheckInterval) * (1 + float64(n)/10))
		if adjusted > d.config.MaxWait {
			adjusted = d.config.MaxWait
		}
		return wait >= adjusted || float64(wait) >= 0.8*float64(d.config.MaxWait)
	}
	return wait >= d.config.CheckInterval
}

// flush detaches dest's buffer and sends its contents. Messages admitted
// while the send runs start a new buffer.
func (d *Dispatcher) flush(ctx context.Context, dest domain.DestinationKey, reason string) {
	d.mu.Lock()
	buf, ok := d.buffers[dest]
	if !ok || len(buf.items) == 0 {
		d.mu.Unlock()
		return
	}
	delete(d.buffers, dest)
	items := buf.items
	d.mu.Unlock()

	d.metrics.DeliveryQueued.Sub(float64(len(items)))
	d.metrics.Flushes.WithLabelValues(reason).Inc()
	d.log.Info("Flushing destination",
		zap.String("destination", dest.String()),
		zap.String("reason", reason),
		zap.Int("count", len(items)))

	if ms, ok := d.sender.(MergeSender); ok && len(items) > 2 && ms.SupportsMerge(dest.Platform) {
		d.sendMerged(ctx, ms, dest, items)
		return
	}
	d.sendEach(ctx, dest, items)
}

func (d *Dispatcher) sendMerged(ctx context.Context, ms MergeSender, dest domain.DestinationKey, items []domain.QueuedMessage) {
	if limit := d.config.MaxMergeItems; limit > 0 && len(items) > limit {
		d.log.Warn("Too many messages to merge, keeping the newest",
			zap.String("destination", dest.String()),
			zap.Int("count", len(items)),
			zap.Int("limit", limit))
		for _, dropped := range items[:len(items)-limit] {
			d.deps.Images.Release(dropped.Metadata.ImagePath)
		}
		items = items[len(items)-limit:]
	}

	id, err := d.safeSend(func() (string, error) { return ms.SendMerged(ctx, dest, items) })

	for _, msg := range items {
		d.deps.Images.Release(msg.Metadata.ImagePath)
	}

	if err != nil {
		d.metrics.SendFailures.WithLabelValues(dest.Platform).Inc()
		d.log.Error("Failed to send merged message",
			zap.String("destination", dest.String()),
			zap.Int("count", len(items)),
			zap.Error(err))
		return
	}

	d.log.Info("Merged message sent", zap.String("destination", dest.String()), zap.Int("count", len(items)))
	d.saveRef(ctx, dest, id, items[len(items)-1].Metadata.URL)
}

func (d *Dispatcher) sendEach(ctx context.Context, dest domain.DestinationKey, items []domain.QueuedMessage) {
	for _, msg := range items {
		id, err := d.safeSend(func() (string, error) { return d.sender.Send(ctx, dest, msg) })
		d.deps.Images.Release(msg.Metadata.ImagePath)

		if err != nil {
			d.metrics.SendFailures.WithLabelValues(dest.Platform).Inc()
			d.log.Error("Failed to send message",
				zap.String("destination", dest.String()),
				zap.Int64("kill_id", msg.Metadata.KillID),
				zap.Error(err))
			continue
		}
		d.saveRef(ctx, dest, id, msg.Metadata.URL)
	}
}

// safeSend keeps a panicking sender from taking down the scan loop
func (d *Dispatcher) safeSend(send func() (string, error)) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return send()
}

func (d *Dispatcher) saveRef(ctx context.Context, dest domain.DestinationKey, messageID, url string) {
	if d.deps.Refs == nil || messageID == "" || url == "" {
		return
	}
	if err := d.deps.Refs.Save(ctx, dest.Platform, messageID, url); err != nil {
		d.log.Warn("Failed to save message reference",
			zap.String("destination", dest.String()),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

// Pending returns a copy of the messages buffered for dest
func (d *Dispatcher) Pending(dest domain.DestinationKey) []domain.QueuedMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[dest]
	if !ok {
		return nil
	}
	return append([]domain.QueuedMessage(nil), buf.items...)
}

// Lengths reports the buffered message count per destination
func (d *Dispatcher) Lengths() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.buffers))
	for dest, buf := range d.buffers {
		out[dest.String()] = len(buf.items)
	}
	return out
}

package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanniks/ghome-fhem/internal/attribute"
)

// HistoryEntry is one stored raw attribute change.
//
// History is written for inspection only. It is never read back into the
// attribute cache.
type HistoryEntry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// AttributeID is the "device-reading" id of the attribute.
	AttributeID string `json:"attribute_id"`

	Device  string `json:"device"`
	Reading string `json:"reading"`

	// Value is the raw reading value.
	Value string `json:"value"`

	// CreatedAt is the time the change was stored in the cache (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// HistoryRepository stores and retrieves raw attribute changes.
//
// Implementations must be thread-safe and use UTC timestamps.
type HistoryRepository interface {
	// RecordReading stores one attribute change.
	RecordReading(ctx context.Context, e attribute.Entry) error

	// GetHistory returns recent changes of an attribute, newest first.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - attributeID: "device-reading" id
	//   - limit: Maximum entries to return (implementation may clamp bounds)
	//
	// Returns:
	//   - []HistoryEntry: Ordered newest-first entries (may be empty)
	//   - error: nil on success, otherwise the underlying query error
	GetHistory(ctx context.Context, attributeID string, limit int) ([]HistoryEntry, error)

	// PruneHistory deletes entries older than olderThan and returns the
	// number of rows removed.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// History recorder defaults.
const (
	DefaultHistoryQueueSize     = 1024
	DefaultHistoryPruneInterval = time.Hour
	historyWriteTimeout         = 5 * time.Second
)

// HistoryConfig configures a HistoryRecorder.
type HistoryConfig struct {
	// QueueSize bounds the changes waiting to be written. Changes arriving
	// while the queue is full are dropped.
	QueueSize int

	// Retention is how long entries are kept. Zero keeps them forever.
	Retention time.Duration

	// PruneInterval is how often old entries are deleted.
	PruneInterval time.Duration
}

// HistoryRecorder writes cache changes to a HistoryRepository on its own
// goroutine so the attribute update path never waits for the database.
//
// Thread Safety:
//   - Hook may be called from any goroutine.
//   - Start and Stop must not be called concurrently.
type HistoryRecorder struct {
	repo   HistoryRepository
	cfg    HistoryConfig
	queue  chan attribute.Entry
	logger Logger

	recorded atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHistoryRecorder creates a recorder for repo.
func NewHistoryRecorder(repo HistoryRepository, cfg HistoryConfig) *HistoryRecorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultHistoryQueueSize
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultHistoryPruneInterval
	}
	return &HistoryRecorder{
		repo:   repo,
		cfg:    cfg,
		queue:  make(chan attribute.Entry, cfg.QueueSize),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the recorder.
func (h *HistoryRecorder) SetLogger(logger Logger) {
	h.logger = logger
}

// Hook returns the cache hook enqueuing changes.
func (h *HistoryRecorder) Hook() attribute.ChangeHook {
	return func(e attribute.Entry) {
		select {
		case h.queue <- e:
		default:
			if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
				h.logger.Warn("history queue full, change dropped", "attribute_id", e.ID, "dropped_total", n)
			}
		}
	}
}

// Start launches the writer and, with a retention set, the pruner.
func (h *HistoryRecorder) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.writeLoop(ctx)

	if h.cfg.Retention > 0 {
		h.wg.Add(1)
		go h.pruneLoop(ctx)
	}
}

// Stop writes the queued changes and stops the recorder.
func (h *HistoryRecorder) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Stats returns the number of written, dropped and failed changes.
func (h *HistoryRecorder) Stats() (recorded, dropped, failed uint64) {
	return h.recorded.Load(), h.dropped.Load(), h.failed.Load()
}

func (h *HistoryRecorder) writeLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case e := <-h.queue:
			h.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-h.queue:
					h.write(e)
				default:
					return
				}
			}
		}
	}
}

func (h *HistoryRecorder) write(e attribute.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()

	if err := h.repo.RecordReading(ctx, e); err != nil {
		h.failed.Add(1)
		h.logger.Error("recording reading history", "attribute_id", e.ID, "error", err)
		return
	}
	h.recorded.Add(1)
}

func (h *HistoryRecorder) pruneLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := h.repo.PruneHistory(ctx, h.cfg.Retention)
			if err != nil {
				h.logger.Error("pruning reading history", "error", err)
				continue
			}
			if n > 0 {
				h.logger.Debug("reading history pruned", "rows", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

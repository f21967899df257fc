package fhem

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// defaultRecordWorkers is the number of record delivery shards.
	defaultRecordWorkers = 4

	// defaultRecordQueueSize is the buffer size of each shard queue.
	defaultRecordQueueSize = 256

	// readBufferSize is the chunk size read from the longpoll body.
	readBufferSize = 32 * 1024
)

// State is the connection state of a StreamReader.
type State int32

// Stream states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StreamConfig tunes a StreamReader.
type StreamConfig struct {
	// Filter is the FHEM devspec of the inform request. Default: ".*".
	Filter string

	// ReconnectBase is the delay after the first failure; the Nth
	// consecutive failure waits N times as long. Default: 5 seconds.
	ReconnectBase time.Duration

	// ReconnectMax caps the reconnect delay. Default: 30 seconds.
	ReconnectMax time.Duration

	// Workers is the number of record delivery shards. Default: 4.
	Workers int

	// QueueSize is the buffer of each shard. Default: 256.
	QueueSize int
}

// StreamHandlers receive stream events. Every handler is optional.
//
// OnRecord runs on a delivery worker; records with the same id always reach
// it in arrival order. A slow OnRecord delays the stream but loses nothing. OnConnected and OnDisconnected run on the stream
// goroutine and must return quickly.
type StreamHandlers struct {
	OnRecord       func(Record)
	OnConnected    func()
	OnDisconnected func(err error)
}

// StreamStats holds operational statistics of one stream.
type StreamStats struct {
	State           State
	Connects        uint64
	Disconnects     uint64
	Failures        int // consecutive failures since data was last received
	BytesReceived   uint64
	RecordsReceived uint64
	QueueStalls     uint64 // times the stream waited on a full delivery queue
	LinesSkipped    uint64
	LastEvent       time.Time
}

// StreamReader consumes the FHEMWEB longpoll stream of one server.
//
// The reader cycles through Disconnected, Connecting and Streaming. Any end
// of the stream schedules a reconnect after Backoff.Next; the first chunk of
// data resets the backoff. Reconnects resume at the time of the last
// processed record.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Handlers are invoked from reader goroutines, never under a lock.
type StreamReader struct {
	client   *Client
	cfg      StreamConfig
	handlers StreamHandlers

	state     atomic.Int32
	lastEvent atomic.Int64 // unix milliseconds of the last processed record
	failures  atomic.Int64

	connects        atomic.Uint64
	disconnects     atomic.Uint64
	bytesReceived   atomic.Uint64
	recordsReceived atomic.Uint64
	queueStalls     atomic.Uint64
	linesSkipped    atomic.Uint64

	// backoff is only touched by the stream goroutine.
	backoff Backoff

	queues []chan Record

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	streamWg sync.WaitGroup
	workerWg sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex

	now func() time.Time
}

// NewStreamReader creates a reader for client's longpoll stream.
//
// Parameters:
//   - client: FHEMWEB endpoint; receives the csrf token of every response
//   - cfg: Stream tuning; zero values select the defaults
//   - handlers: Event callbacks
//
// Returns:
//   - *StreamReader: Ready to start
func NewStreamReader(client *Client, cfg StreamConfig, handlers StreamHandlers) *StreamReader {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultRecordWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultRecordQueueSize
	}

	r := &StreamReader{
		client:   client,
		cfg:      cfg,
		handlers: handlers,
		backoff:  Backoff{Base: cfg.ReconnectBase, Max: cfg.ReconnectMax},
		queues:   make([]chan Record, cfg.Workers),
		now:      time.Now,
	}
	for i := range r.queues {
		r.queues[i] = make(chan Record, cfg.QueueSize)
	}
	return r
}

// SetLogger sets the logger for this reader. Log lines carry no connection
// name; pass a logger that has one.
func (r *StreamReader) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// Start opens the stream in the background. It returns immediately; call
// Stop to shut the reader down.
//
// Parameters:
//   - ctx: Cancelling ctx has the same effect as Stop, except that Stop
//     also waits for buffered records to be delivered
//
// Returns:
//   - error: ErrAlreadyStarted on a second call
func (r *StreamReader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)

	for _, q := range r.queues {
		r.workerWg.Add(1)
		go r.deliver(q)
	}

	r.streamWg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop cancels a pending reconnect, closes the stream and returns after
// every complete record already read has been delivered. Safe to call
// multiple times.
func (r *StreamReader) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		started := r.started
		cancel := r.cancel
		r.mu.Unlock()

		if !started {
			return
		}

		cancel()
		r.streamWg.Wait()

		for _, q := range r.queues {
			close(q)
		}
		r.workerWg.Wait()

		r.logInfo("stream stopped")
	})
}

// Run starts the reader and blocks until ctx is cancelled, then stops it.
func (r *StreamReader) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}

// State returns the current connection state.
func (r *StreamReader) State() State {
	return State(r.state.Load())
}

// IsConnected reports whether the stream is delivering data.
func (r *StreamReader) IsConnected() bool {
	return r.State() == StateStreaming
}

// Stats returns a snapshot of the reader statistics.
func (r *StreamReader) Stats() StreamStats {
	return StreamStats{
		State:           r.State(),
		Connects:        r.connects.Load(),
		Disconnects:     r.disconnects.Load(),
		Failures:        int(r.failures.Load()),
		BytesReceived:   r.bytesReceived.Load(),
		RecordsReceived: r.recordsReceived.Load(),
		QueueStalls:     r.queueStalls.Load(),
		LinesSkipped:    r.linesSkipped.Load(),
		LastEvent:       r.LastEvent(),
	}
}

// LastEvent returns when the last record was processed; zero before the
// first record.
func (r *StreamReader) LastEvent() time.Time {
	ms := r.lastEvent.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Client returns the endpoint the reader streams from.
func (r *StreamReader) Client() *Client {
	return r.client
}

// Name returns the connection name.
func (r *StreamReader) Name() string {
	return r.client.Name()
}

// Address returns the FHEMWEB base URL.
func (r *StreamReader) Address() string {
	return r.client.BaseURL()
}

// run is the reconnect loop of the stream goroutine.
func (r *StreamReader) run(ctx context.Context) {
	defer r.streamWg.Done()
	defer r.state.Store(int32(StateDisconnected))

	for {
		r.state.Store(int32(StateConnecting))
		err := r.stream(ctx)
		r.state.Store(int32(StateDisconnected))

		if ctx.Err() != nil {
			return
		}

		r.disconnects.Add(1)
		delay := r.backoff.Next()
		r.failures.Store(int64(r.backoff.Failures()))

		r.logWarn("stream disconnected", "error", err,
			"failures", r.backoff.Failures(), "retry_in", delay.String())
		if r.handlers.OnDisconnected != nil {
			r.handlers.OnDisconnected(err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream performs one longpoll request and processes it until it ends.
func (r *StreamReader) stream(ctx context.Context) error {
	rawURL := r.client.longpollURL(r.cfg.Filter, r.LastEvent(), r.now())
	req, err := r.client.newRequest(ctx, rawURL)
	if err != nil {
		return err
	}

	r.logInfo("starting longpoll", "url", rawURL)
	resp, err := r.client.stream.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	r.client.SetCSRFToken(resp.Header.Get(csrfHeader))
	r.connects.Add(1)
	r.state.Store(int32(StateStreaming))
	r.logInfo("longpoll started")
	if r.handlers.OnConnected != nil {
		r.handlers.OnConnected()
	}

	var lines lineBuffer
	buf := make([]byte, readBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			r.backoff.Reset()
			r.failures.Store(0)
			r.bytesReceived.Add(uint64(n))
			for _, line := range lines.Write(buf[:n]) {
				r.handleLine(line)
			}
		}
		if err != nil {
			if tail := lines.Pending(); tail != "" {
				r.logDebug("dropping incomplete line", "line", tail)
			}
			if errors.Is(err, io.EOF) {
				return ErrStreamEnded
			}
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
	}
}

// handleLine decodes one line and queues the record on its shard. A full
// shard blocks the stream until its worker catches up; records are never
// dropped. The workers outlive the stream goroutine, so the send always
// completes once OnRecord returns.
func (r *StreamReader) handleLine(line string) {
	rec, ok := Decode(line)
	if !ok {
		if line != "" {
			r.linesSkipped.Add(1)
			r.logDebug("line skipped", "line", line)
		}
		return
	}

	r.recordsReceived.Add(1)
	r.lastEvent.Store(r.now().UnixMilli())

	q := r.queues[r.shard(rec.ID)]
	select {
	case q <- rec:
		return
	default:
	}

	r.queueStalls.Add(1)
	r.logDebug("delivery queue full, waiting", "attribute", rec.ID)
	q <- rec
}

// shard maps an attribute id onto a delivery queue.
func (r *StreamReader) shard(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(len(r.queues)))
}

// deliver drains one shard queue until it is closed.
func (r *StreamReader) deliver(q <-chan Record) {
	defer r.workerWg.Done()

	for rec := range q {
		if r.handlers.OnRecord == nil {
			continue
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logError("record handler panic", fmt.Errorf("%v", p))
				}
			}()
			r.handlers.OnRecord(rec)
		}()
	}
}

func (r *StreamReader) loggerRef() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

func (r *StreamReader) logInfo(msg string, keysAndValues ...any) {
	if l := r.loggerRef(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (r *StreamReader) logWarn(msg string, keysAndValues ...any) {
	if l := r.loggerRef(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (r *StreamReader) logDebug(msg string, keysAndValues ...any) {
	if l := r.loggerRef(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (r *StreamReader) logError(msg string, err error) {
	if l := r.loggerRef(); l != nil {
		l.Error(msg, "error", err)
	}
}

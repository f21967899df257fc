package fhem

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanniks/ghome-fhem/internal/attribute"
)

type errBox struct{ err error }

type recordSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *recordSink) add(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *recordSink) snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *recordSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestStreamReader_ReadsAndReconnects(t *testing.T) {
	var (
		calls   atomic.Int32
		informs []string
		mu      sync.Mutex
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		mu.Lock()
		informs = append(informs, r.URL.Query().Get("inform"))
		mu.Unlock()

		w.Header().Set("X-FHEM-csrfToken", fmt.Sprintf("tok%d", n))
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		if n == 1 {
			io.WriteString(w, "[\"lamp-state\",\"on\",\"\"]\n[\"lamp-state-ts\",\"2024\",\"\"]\n[\"lamp-pct\",\"5")
			flusher.Flush()
			io.WriteString(w, "0\",\"\"]\n")
			flusher.Flush()
			return
		}

		io.WriteString(w, "sensor-temperature<<21.5<<\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := newTestClient(t, srv, nil)

	var (
		sink          recordSink
		connected     atomic.Int32
		disconnectErr atomic.Value
	)
	reader := NewStreamReader(client, StreamConfig{ReconnectBase: 10 * time.Millisecond}, StreamHandlers{
		OnRecord:       sink.add,
		OnConnected:    func() { connected.Add(1) },
		OnDisconnected: func(err error) { disconnectErr.Store(errBox{err}) },
	})
	reader.SetLogger(discardLogger())
	assert.Equal(t, StateDisconnected, reader.State())

	require.NoError(t, reader.Start(t.Context()))
	assert.ErrorIs(t, reader.Start(t.Context()), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return sink.len() == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, reader.IsConnected, time.Second, 10*time.Millisecond)

	reader.Stop()
	reader.Stop()

	byID := make(map[string]string)
	for _, r := range sink.snapshot() {
		byID[r.ID] = r.Value
	}
	assert.Equal(t, map[string]string{
		"lamp-state":         "on",
		"lamp-pct":           "50",
		"sensor-temperature": "21.5",
	}, byID)

	token, ok := client.CSRFToken()
	assert.True(t, ok)
	assert.Equal(t, "tok2", token)
	assert.Equal(t, int32(2), connected.Load())

	box, _ := disconnectErr.Load().(errBox)
	err := box.err
	assert.True(t, errors.Is(err, ErrStreamEnded), "disconnect error = %v", err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, informs, 2)
	assert.Equal(t, "type=status;addglobal=1;filter=.*;since=null;fmt=JSON", informs[0])
	assert.NotContains(t, informs[1], "since=null")
	assert.True(t, strings.HasPrefix(informs[1], "type=status;addglobal=1;filter=.*;since="))

	stats := reader.Stats()
	assert.Equal(t, StateDisconnected, stats.State)
	assert.Equal(t, uint64(3), stats.RecordsReceived)
	assert.Equal(t, uint64(1), stats.LinesSkipped)
	assert.Equal(t, uint64(2), stats.Connects)
	assert.Equal(t, uint64(1), stats.Disconnects)
	assert.False(t, stats.LastEvent.IsZero())
}

func TestStreamReader_StopDeliversBufferedRecords(t *testing.T) {
	const total = 50

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		var sb strings.Builder
		for i := range total {
			fmt.Fprintf(&sb, "[\"dev%d-state\",\"%d\",\"\"]\n", i, i)
		}
		io.WriteString(w, sb.String())
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	var sink recordSink
	reader := NewStreamReader(newTestClient(t, srv, nil), StreamConfig{}, StreamHandlers{
		OnRecord: func(r Record) {
			time.Sleep(2 * time.Millisecond)
			sink.add(r)
		},
	})
	require.NoError(t, reader.Start(t.Context()))

	require.Eventually(t, func() bool { return reader.Stats().RecordsReceived == total }, 5*time.Second, 5*time.Millisecond)
	reader.Stop()

	assert.Equal(t, total, sink.len())
	}

func TestStreamReader_PerIDOrder(t *testing.T) {
	const updates = 200

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		var sb strings.Builder
		for i := range updates {
			fmt.Fprintf(&sb, "lamp-pct<<%d<<\nsensor-temperature<<%d<<\n", i, i)
		}
		io.WriteString(w, sb.String())
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	var sink recordSink
	reader := NewStreamReader(newTestClient(t, srv, nil), StreamConfig{QueueSize: 2 * updates}, StreamHandlers{OnRecord: sink.add})
	require.NoError(t, reader.Start(t.Context()))
	require.Eventually(t, func() bool { return sink.len() == 2*updates }, 5*time.Second, 5*time.Millisecond)
	reader.Stop()

	next := map[string]int{}
	for _, r := range sink.snapshot() {
		assert.Equal(t, fmt.Sprint(next[r.ID]), r.Value, "out of order for %s", r.ID)
		next[r.ID]++
	}
}

func TestStreamReader_FullQueueDelaysWithoutLoss(t *testing.T) {
	const updates = 20

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		var sb strings.Builder
		for i := 1; i <= updates; i++ {
			fmt.Fprintf(&sb, "lamp-pct<<%d<<\n", i)
		}
		io.WriteString(w, sb.String())
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	var (
		cache     = attribute.NewCache(nil)
		slowStart sync.Once
		delivered atomic.Int32
	)
	reader := NewStreamReader(newTestClient(t, srv, nil), StreamConfig{Workers: 1, QueueSize: 4}, StreamHandlers{
		OnRecord: func(r Record) {
			slowStart.Do(func() { time.Sleep(300 * time.Millisecond) })
			cache.Update(r.ID, r.Value)
			delivered.Add(1)
		},
	})
	reader.SetLogger(discardLogger())
	require.NoError(t, reader.Start(t.Context()))

	require.Eventually(t, func() bool {
		v, ok := cache.Get("lamp-pct")
		return ok && v == fmt.Sprint(updates)
	}, 5*time.Second, 10*time.Millisecond)
	reader.Stop()

	stats := reader.Stats()
	assert.Equal(t, uint64(updates), stats.RecordsReceived)
	assert.Equal(t, int32(updates), delivered.Load())
	assert.Positive(t, stats.QueueStalls, "the slow handler should have filled the queue")
}

func TestStreamReader_DataResetsFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1, 3:
			http.Error(w, "nope", http.StatusInternalServerError)
		case 2:
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "lamp-state<<on<<\n")
		default:
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	var (
		mu       sync.Mutex
		failures []int
	)
	var reader *StreamReader
	reader = NewStreamReader(newTestClient(t, srv, nil), StreamConfig{
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
	}, StreamHandlers{
		OnDisconnected: func(error) {
			mu.Lock()
			failures = append(failures, reader.Stats().Failures)
			mu.Unlock()
		},
	})
	reader.SetLogger(discardLogger())
	require.NoError(t, reader.Start(t.Context()))

	require.Eventually(t, func() bool { return reader.Stats().Disconnects == 3 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, reader.IsConnected, 5*time.Second, 5*time.Millisecond)
	reader.Stop()

	mu.Lock()
	defer mu.Unlock()
	// fail, data then end, fail: the data resets the count to zero first.
	assert.Equal(t, []int{1, 1, 2}, failures)
}

func TestStreamReader_BacksOffOnErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var lastErr atomic.Value
	reader := NewStreamReader(newTestClient(t, srv, nil), StreamConfig{
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
	}, StreamHandlers{OnDisconnected: func(err error) { lastErr.Store(errBox{err}) }})
	require.NoError(t, reader.Start(t.Context()))

	require.Eventually(t, func() bool { return reader.Stats().Failures >= 3 }, 5*time.Second, 5*time.Millisecond)
	reader.Stop()

	box, _ := lastErr.Load().(errBox)
	err := box.err
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Equal(t, uint64(0), reader.Stats().Connects)
}

func TestStreamReader_StopCancelsPendingReconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reader := NewStreamReader(newTestClient(t, srv, nil), StreamConfig{ReconnectBase: time.Hour}, StreamHandlers{})
	require.NoError(t, reader.Start(t.Context()))
	require.Eventually(t, func() bool { return reader.Stats().Disconnects == 1 }, 5*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		reader.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the reconnect timer")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "state(7)", State(7).String())
}

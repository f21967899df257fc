package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	MQTT          *MQTTMetrics    `json:"mqtt,omitempty"`
	Devices       DeviceMetrics   `json:"devices"`
	Attributes    int             `json:"attributes"`
	History       *HistoryMetrics `json:"history,omitempty"`
	Streams       []StreamMetrics `json:"streams"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// DeviceMetrics contains device registry statistics.
type DeviceMetrics struct {
	Total  int            `json:"total"`
	ByRoom map[string]int `json:"by_room"`
}

// HistoryMetrics contains reading history recorder counters.
type HistoryMetrics struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
}

// StreamMetrics contains the counters of one FHEM longpoll stream.
type StreamMetrics struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	Connects        uint64 `json:"connects"`
	Disconnects     uint64 `json:"disconnects"`
	Failures        int    `json:"failures"`
	BytesReceived   uint64 `json:"bytes_received"`
	RecordsReceived uint64 `json:"records_received"`
	QueueStalls     uint64 `json:"queue_stalls"`
	LinesSkipped    uint64 `json:"lines_skipped"`
}

// handleMetrics returns runtime, registry and stream metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Devices: DeviceMetrics{
			Total:  s.registry.Len(),
			ByRoom: make(map[string]int),
		},
		Attributes: s.cache.Len(),
		Streams:    make([]StreamMetrics, 0, len(s.streams)),
	}

	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}

	for room, names := range s.registry.Rooms() {
		metrics.Devices.ByRoom[room] = len(names)
	}

	if s.recorder != nil {
		recorded, dropped, failed := s.recorder.Stats()
		metrics.History = &HistoryMetrics{Recorded: recorded, Dropped: dropped, Failed: failed}
	}

	for _, m := range s.streams {
		st := m.Stats()
		metrics.Streams = append(metrics.Streams, StreamMetrics{
			Name:            m.Name(),
			State:           st.State.String(),
			Connects:        st.Connects,
			Disconnects:     st.Disconnects,
			Failures:        st.Failures,
			BytesReceived:   st.BytesReceived,
			RecordsReceived: st.RecordsReceived,
			QueueStalls:     st.QueueStalls,
			LinesSkipped:    st.LinesSkipped,
		})
	}

	writeJSON(w, http.StatusOK, metrics)
}

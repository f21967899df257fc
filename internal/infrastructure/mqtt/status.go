package mqtt

import (
	"encoding/json"
	"time"
)

// StatusTopic carries the retained process status of ghome-fhem. The broker
// publishes the offline will on it when the connection drops unexpectedly.
const StatusTopic = "ghome/system/status"

// Status values published on StatusTopic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Offline reasons.
const (
	ReasonShutdown   = "graceful_shutdown"
	ReasonUnexpected = "unexpected_disconnect"
)

// StatusMessage is the payload published on StatusTopic.
type StatusMessage struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// statusPayload encodes a status message stamped with at.
func statusPayload(clientID, status, reason string, at time.Time) []byte {
	payload, err := json.Marshal(StatusMessage{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		// Only strings are encoded.
		return nil
	}
	return payload
}

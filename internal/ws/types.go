package ws

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/medtext/deid/internal/entity"
)

// EventType classifies hub events pushed to subscribers.
type EventType string

const (
	// EventTypeJobAccepted is sent when a job enters the queue.
	EventTypeJobAccepted EventType = "job_accepted"
	// EventTypeJobProgress carries periodic progress updates.
	EventTypeJobProgress EventType = "job_progress"
	// EventTypeJobCompleted marks a successful terminal state.
	EventTypeJobCompleted EventType = "job_completed"
	// EventTypeJobFailed marks a failed terminal state.
	EventTypeJobFailed EventType = "job_failed"
	// EventTypeConnection announces client connects and disconnects.
	EventTypeConnection EventType = "connection"
)

// Event is the envelope sent to connected clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// JobEvent carries the job state snapshot behind a job lifecycle event.
type JobEvent struct {
	JobID            string           `json:"job_id"`
	Status           entity.JobStatus `json:"status"`
	Progress         float64          `json:"progress"`
	Message          string           `json:"message,omitempty"`
	ElapsedSeconds   float64          `json:"elapsed_seconds"`
	RemainingSeconds *float64         `json:"estimated_remaining_seconds,omitempty"`
	ThroughputCPS    float64          `json:"throughput_cps"`
}

// ConnectionEvent announces a client joining or leaving the hub.
type ConnectionEvent struct {
	Action   string `json:"action"`
	ClientID string `json:"client_id"`
}

// ClientMessage is what clients may send upstream.
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SubscriptionRequest narrows the events a client receives. An empty
// JobIDs list means all jobs.
type SubscriptionRequest struct {
	Events []EventType `json:"events,omitempty"`
	JobIDs []string    `json:"job_ids,omitempty"`
}

// Client is one connected WebSocket peer.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	IP           string
}

package delivery

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders injection. P0 is the human passthrough path and never
// enters the scheduler queues.
type Priority int

const (
	PriorityHuman      Priority = iota // P0: synchronous passthrough
	PrioritySystem                     // P1: shutdown/ack, immediate
	PriorityDirect                     // P2: direct messages
	PriorityChannel                    // P3: channel/broadcast
	PriorityBackground                 // P4: background/status
)

func (p Priority) String() string {
	if p < PriorityHuman || p > PriorityBackground {
		return fmt.Sprintf("P?(%d)", int(p))
	}
	return fmt.Sprintf("P%d", int(p))
}

func ParsePriority(value string) (Priority, bool) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "P0", "0":
		return PriorityHuman, true
	case "P1", "1":
		return PrioritySystem, true
	case "P2", "2", "":
		return PriorityDirect, true
	case "P3", "3":
		return PriorityChannel, true
	case "P4", "4":
		return PriorityBackground, true
	default:
		return PriorityDirect, false
	}
}

// Confidence ranks how strongly a delivery has been confirmed.
type Confidence int

const (
	ConfidenceNone Confidence = iota
	ConfidenceInjected
	ConfidenceEchoed
	ConfidenceFileAcked
	ConfidenceMcpAcked
	ConfidenceActive
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceInjected:
		return "injected"
	case ConfidenceEchoed:
		return "echoed"
	case ConfidenceFileAcked:
		return "file_acked"
	case ConfidenceMcpAcked:
		return "mcp_acked"
	case ConfidenceActive:
		return "active"
	default:
		return "none"
	}
}

// Level maps confidence to its strength rank: Injected L0,
// Echoed L1, FileAcked/McpAcked L2, Active L3.
func (c Confidence) Level() int {
	switch c {
	case ConfidenceInjected:
		return 0
	case ConfidenceEchoed:
		return 1
	case ConfidenceFileAcked, ConfidenceMcpAcked:
		return 2
	case ConfidenceActive:
		return 3
	default:
		return -1
	}
}

// Status is the per-delivery lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusQueued
	StatusInjected
	StatusRetry
	StatusVerified
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusQueued:
		return "queued"
	case StatusInjected:
		return "injected"
	case StatusRetry:
		return "retry"
	case StatusVerified:
		return "verified"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusFailed
}

// canTransition encodes the only legal lifecycle edges:
// Pending -> Queued -> Injected -> {Verified | Retry -> Queued | Failed}.
// Failed is reachable from any non-terminal state (pty write failure,
// session teardown, queue overflow).
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusQueued || to == StatusFailed
	case StatusQueued:
		return to == StatusInjected || to == StatusFailed
	case StatusInjected:
		return to == StatusVerified || to == StatusRetry || to == StatusFailed
	case StatusRetry:
		return to == StatusQueued || to == StatusFailed
	default:
		return false
	}
}

// Terminal failure reason codes.
const (
	ReasonPtyClosed     = "pty_closed"
	ReasonMaxRetries    = "max_retries_exceeded"
	ReasonSessionClosed = "session_closed"
	ReasonQueueOverflow = "queue_overflow"
)

// Message is a SEND handed over by the broker.
type Message struct {
	ID         string
	From       string
	To         string
	Body       string
	Priority   Priority
	Channel    string
	Thread     string
	ReceivedAt time.Time
}

// PendingDelivery is the live record for one message moving through the
// pipeline. It is owned exclusively by the session's scheduler loop and
// visible elsewhere only through emitted events.
type PendingDelivery struct {
	Message

	Attempt     int
	MaxAttempts int
	Status      Status
	Confidence  Confidence

	CreatedAt      time.Time
	EnqueuedAt     time.Time
	InjectedAt     time.Time
	VerifyDeadline time.Time

	// EchoOffset is the echo window's absolute end offset at injection
	// time; echo and activity matching only look at bytes after it.
	EchoOffset int64

	echoInconclusive bool
	retried          bool
}

// transition moves the delivery along a legal edge and keeps confidence
// monotonically non-decreasing. Illegal edges are returned as errors and
// never applied.
func (d *PendingDelivery) transition(to Status) error {
	if !canTransition(d.Status, to) {
		return fmt.Errorf("illegal delivery transition %s -> %s (id=%s)", d.Status, to, d.ID)
	}
	d.Status = to
	return nil
}

// raiseConfidence applies the monotonic floor: confidence never drops.
func (d *PendingDelivery) raiseConfidence(c Confidence) {
	if c.Level() > d.Confidence.Level() {
		d.Confidence = c
	}
}

// Signal is one verification channel's report for a delivery.
type Signal struct {
	DeliveryID string
	Method     string // "echo", "file", "mcp", "activity"
	Confidence Confidence
	At         time.Time
}

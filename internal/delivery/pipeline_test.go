package delivery

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
)

// Scenario: the child echoes the injected payload promptly, so the
// delivery verifies as Echoed with zero retries.
func TestPipelineEchoVerification(t *testing.T) {
	h := newTestHarness(t, nil)

	msg := testMessage("abc123", "Alice", "Please review PR #42", PriorityDirect)
	if err := h.pipe.Submit(msg); err != nil {
		t.Fatalf("submit: %v", err)
	}

	awaitEvent(t, h.events, EventQueued, time.Second)
	awaitEvent(t, h.events, EventInjected, time.Second, EventFailed)

	writes := h.pty.Writes()
	if len(writes) != 1 {
		t.Fatalf("expected exactly one write, got %d", len(writes))
	}
	if !bytes.Contains(writes[0], []byte("courier:abc123")) {
		t.Fatalf("payload missing echo token: %q", writes[0])
	}

	// Child echoes the payload back.
	h.pty.Emit(string(writes[0]))

	ack := awaitEvent(t, h.events, EventAck, time.Second, EventFailed)
	if ack.Confidence != "echoed" || ack.Method != "echo" {
		t.Fatalf("expected echoed/echo ack, got %+v", ack)
	}
	if ack.Attempt != 1 {
		t.Fatalf("expected zero retries, got attempt %d", ack.Attempt)
	}
}

// Scenario: the child never echoes, but a sidecar ack file signal
// arrives before the verification deadline.
func TestPipelineFileAckVerification(t *testing.T) {
	h := newTestHarness(t, func(o *PipelineOptions) {
		o.VerifyTimeout = 500 * time.Millisecond
	})

	msg := testMessage("abc123", "Alice", "Please review PR #42", PriorityDirect)
	if err := h.pipe.Submit(msg); err != nil {
		t.Fatalf("submit: %v", err)
	}
	awaitEvent(t, h.events, EventInjected, time.Second, EventFailed)

	time.Sleep(50 * time.Millisecond)
	h.pipe.FileAck("abc123")

	ack := awaitEvent(t, h.events, EventAck, time.Second, EventFailed)
	if ack.Confidence != "file_acked" || ack.Method != "file" {
		t.Fatalf("expected file_acked/file ack, got %+v", ack)
	}
}

// Scenario: no channel ever confirms: exactly maxAttempts injections,
// then a single delivery_failed with reason max_retries_exceeded.
func TestPipelineRetriesThenFails(t *testing.T) {
	h := newTestHarness(t, func(o *PipelineOptions) {
		o.VerifyTimeout = 40 * time.Millisecond
	})

	msg := testMessage("abc123", "Alice", "Please review PR #42", PriorityDirect)
	if err := h.pipe.Submit(msg); err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := awaitEvent(t, h.events, EventFailed, 3*time.Second, EventAck)
	if failed.Reason != ReasonMaxRetries {
		t.Fatalf("expected reason %s, got %s", ReasonMaxRetries, failed.Reason)
	}
	if failed.Attempt != DefaultMaxAttempts {
		t.Fatalf("expected final attempt %d, got %d", DefaultMaxAttempts, failed.Attempt)
	}
	if got := len(h.pty.Writes()); got != DefaultMaxAttempts {
		t.Fatalf("expected %d injection attempts, got %d", DefaultMaxAttempts, got)
	}

	// Exactly one terminal event: nothing further may fire.
	select {
	case evt := <-h.events:
		t.Fatalf("unexpected event after terminal failure: %+v", evt)
	case <-time.After(150 * time.Millisecond):
	}
}

// Two messages from one sender inside the coalescing window become a
// single InjectionBlock, bodies in arrival order.
func TestPipelineCoalescesSameSender(t *testing.T) {
	h := newTestHarness(t, func(o *PipelineOptions) {
		o.CoalesceWindow = 60 * time.Millisecond
	})

	if err := h.pipe.Submit(testMessage("m1", "alice", "first message", PriorityDirect)); err != nil {
		t.Fatalf("submit m1: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := h.pipe.Submit(testMessage("m2", "alice", "second message", PriorityDirect)); err != nil {
		t.Fatalf("submit m2: %v", err)
	}

	awaitEvent(t, h.events, EventInjected, 2*time.Second, EventFailed)

	writes := h.pty.Writes()
	if len(writes) != 1 {
		t.Fatalf("expected one coalesced write, got %d: %q", len(writes), writes)
	}
	payload := string(writes[0])
	first := strings.Index(payload, "first message")
	second := strings.Index(payload, "second message")
	if first < 0 || second < 0 || second < first {
		t.Fatalf("expected both bodies in arrival order, got %q", payload)
	}
}

// System (P1) traffic is written without waiting for a coalescing
// window.
func TestPipelineSystemPriorityIsImmediate(t *testing.T) {
	h := newTestHarness(t, func(o *PipelineOptions) {
		o.CoalesceWindow = 10 * time.Second // would stall anything coalesced
		o.CoalesceMax = 10 * time.Second
	})

	if err := h.pipe.Submit(testMessage("sys1", "system", "shutting down", PrioritySystem)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	awaitEvent(t, h.events, EventInjected, time.Second, EventFailed)
}

// Higher tiers are injected before lower tiers that queued earlier.
func TestPipelinePriorityOrder(t *testing.T) {
	h := newTestHarness(t, func(o *PipelineOptions) {
		o.CoalesceWindow = 20 * time.Millisecond
	})

	if err := h.pipe.Submit(testMessage("bg1", "status-bot", "background update", PriorityBackground)); err != nil {
		t.Fatalf("submit bg1: %v", err)
	}
	if err := h.pipe.Submit(testMessage("d1", "alice", "direct question", PriorityDirect)); err != nil {
		t.Fatalf("submit d1: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(h.pty.Writes()) >= 2 }) {
		t.Fatalf("expected two writes, got %d", len(h.pty.Writes()))
	}
	writes := h.pty.Writes()
	if !bytes.Contains(writes[0], []byte("direct question")) {
		t.Fatalf("expected P2 written first, got %q", writes[0])
	}
	if !bytes.Contains(writes[1], []byte("background update")) {
		t.Fatalf("expected P4 written second, got %q", writes[1])
	}
}

// A human keystroke holds non-P0 injection until the cooldown expires;
// the P0 passthrough itself is unaffected.
func TestPipelineHumanCooldownHoldsInjection(t *testing.T) {
	h := newTestHarness(t, func(o *PipelineOptions) {
		o.CoalesceWindow = 5 * time.Millisecond
	})

	if err := h.ctrl.ForwardInput([]byte("k")); err != nil {
		t.Fatalf("passthrough: %v", err)
	}
	if got := h.pty.Writes(); len(got) != 1 || string(got[0]) != "k" {
		t.Fatalf("P0 passthrough should write synchronously, got %v", got)
	}

	if err := h.pipe.Submit(testMessage("d1", "alice", "held message", PriorityDirect)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	time.Sleep(30 * time.Millisecond) // well inside the 60ms cooldown
	if got := len(h.pty.Writes()); got != 1 {
		t.Fatalf("injection should be held during cooldown, got %d writes", got)
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(h.pty.Writes()) == 2 }) {
		t.Fatalf("injection should proceed after cooldown")
	}
}

// A failed PTY write is a non-retryable terminal failure.
func TestPipelinePtyWriteFailure(t *testing.T) {
	h := newTestHarness(t, nil)
	h.pty.FailWrites()

	if err := h.pipe.Submit(testMessage("d1", "alice", "doomed", PriorityDirect)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := awaitEvent(t, h.events, EventFailed, 2*time.Second, EventAck)
	if failed.Reason != ReasonPtyClosed {
		t.Fatalf("expected reason %s, got %s", ReasonPtyClosed, failed.Reason)
	}
}

// Child exit fails outstanding deliveries and emits session_terminated.
func TestPipelineChildExitFailsOutstanding(t *testing.T) {
	h := newTestHarness(t, func(o *PipelineOptions) {
		o.CoalesceWindow = 10 * time.Second // keep the delivery queued
		o.CoalesceMax = 10 * time.Second
	})

	if err := h.pipe.Submit(testMessage("d1", "alice", "stranded", PriorityDirect)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	awaitEvent(t, h.events, EventQueued, time.Second)

	_ = h.pty.Close()

	failed := awaitEvent(t, h.events, EventFailed, 2*time.Second, EventAck)
	if failed.Reason != ReasonSessionClosed {
		t.Fatalf("expected reason %s, got %s", ReasonSessionClosed, failed.Reason)
	}
	awaitEvent(t, h.events, EventSessionTerminated, 2*time.Second)

	select {
	case <-h.pipe.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline should stop after session end")
	}
	if err := h.pipe.Submit(testMessage("d2", "alice", "late", PriorityDirect)); err == nil {
		t.Fatalf("submit after close should fail")
	}
}

// Optimistic profiles treat a successful write as delivered.
func TestPipelineOptimisticPolicy(t *testing.T) {
	h := newTestHarness(t, func(o *PipelineOptions) {
		o.EchoPolicy = EchoOptimistic
	})

	if err := h.pipe.Submit(testMessage("d1", "alice", "fire and forget", PriorityDirect)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ack := awaitEvent(t, h.events, EventAck, 2*time.Second, EventFailed)
	if ack.Confidence != "injected" || ack.Method != "injected" {
		t.Fatalf("expected injected ack, got %+v", ack)
	}
}

// MCP tool-call acks resolve a pending delivery.
func TestPipelineMcpAck(t *testing.T) {
	h := newTestHarness(t, func(o *PipelineOptions) {
		o.VerifyTimeout = 500 * time.Millisecond
	})

	if err := h.pipe.Submit(testMessage("d1", "alice", "use the tool", PriorityDirect)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	awaitEvent(t, h.events, EventInjected, time.Second, EventFailed)

	h.pipe.McpAck("d1")
	ack := awaitEvent(t, h.events, EventAck, time.Second, EventFailed)
	if ack.Confidence != "mcp_acked" || ack.Method != "mcp" {
		t.Fatalf("expected mcp ack, got %+v", ack)
	}
}

// Tool-use markers in post-injection output resolve as Active (L3).
func TestPipelineActivityDetection(t *testing.T) {
	h := newTestHarness(t, func(o *PipelineOptions) {
		o.VerifyTimeout = 500 * time.Millisecond
		o.ActivityMarkers = []string{"Running tool:"}
	})

	if err := h.pipe.Submit(testMessage("d1", "alice", "run the linter", PriorityDirect)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	awaitEvent(t, h.events, EventInjected, time.Second, EventFailed)

	h.pty.Emit("Running tool: lint\n")

	active := awaitEvent(t, h.events, EventActive, time.Second, EventFailed)
	if active.Confidence != "active" || active.Method != "activity" {
		t.Fatalf("expected active event, got %+v", active)
	}
}

// Queue overflow drops are observable, never silent.
func TestPipelineOverflowEmitsDroppedEvents(t *testing.T) {
	h := newTestHarness(t, func(o *PipelineOptions) {
		o.QueueCaps = QueueCaps{MaxMessages: 5}
		o.CoalesceWindow = 10 * time.Second // keep everything queued
		o.CoalesceMax = 10 * time.Second
	})

	for i := 0; i < 8; i++ {
		msg := testMessage(fmt.Sprintf("bg%d", i), "status-bot", "noise", PriorityBackground)
		if err := h.pipe.Submit(msg); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		dropped := awaitEvent(t, h.events, EventDropped, 2*time.Second, EventFailed)
		want := fmt.Sprintf("bg%d", i)
		if dropped.DeliveryID != want {
			t.Fatalf("expected oldest-first drop %s, got %s", want, dropped.DeliveryID)
		}
		if dropped.Reason != ReasonQueueOverflow {
			t.Fatalf("expected reason %s, got %s", ReasonQueueOverflow, dropped.Reason)
		}
	}
}

// Late signals after resolution are logged only; no second terminal
// event may fire.
func TestPipelineLateSignalIsIgnored(t *testing.T) {
	h := newTestHarness(t, func(o *PipelineOptions) {
		o.EchoPolicy = EchoOptimistic
	})

	if err := h.pipe.Submit(testMessage("d1", "alice", "done quickly", PriorityDirect)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	awaitEvent(t, h.events, EventAck, 2*time.Second, EventFailed)

	h.pipe.FileAck("d1")

	select {
	case evt := <-h.events:
		t.Fatalf("late signal produced event: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

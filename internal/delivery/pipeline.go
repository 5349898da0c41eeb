package delivery

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"courier/internal/event"
	"courier/internal/logging"
	"courier/internal/metrics"
	"courier/internal/term"
)

var ErrPipelineClosed = errors.New("delivery pipeline closed")

const (
	DefaultCoalesceWindow = 500 * time.Millisecond
	DefaultCoalesceMax    = 2000 * time.Millisecond
	DefaultVerifyTimeout  = 5000 * time.Millisecond
	DefaultMaxAttempts    = 3
	DefaultActivityWindow = 10 * time.Second

	submitBuffer = 256
	signalBuffer = 64
)

type PipelineOptions struct {
	Session         string
	EchoPolicy      EchoPolicy
	CoalesceWindow  time.Duration
	CoalesceMax     time.Duration
	VerifyTimeout   time.Duration
	MaxAttempts     int
	QueueCaps       QueueCaps
	BodyWords       int
	ActivityMarkers []string
	ActivityWindow  time.Duration
	Logger          *logging.Logger
	Registry        *metrics.Registry
}

func (o PipelineOptions) normalized() PipelineOptions {
	if o.EchoPolicy != EchoOptimistic {
		o.EchoPolicy = EchoStrict
	}
	if o.CoalesceWindow <= 0 {
		o.CoalesceWindow = DefaultCoalesceWindow
	}
	if o.CoalesceMax <= 0 {
		o.CoalesceMax = DefaultCoalesceMax
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = DefaultVerifyTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.ActivityWindow <= 0 {
		o.ActivityWindow = DefaultActivityWindow
	}
	if o.Registry == nil {
		o.Registry = metrics.Default
	}
	if o.Logger == nil {
		o.Logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}
	return o
}

// Pipeline is the per-session injection scheduler, delivery verification
// state machine, and confidence aggregator. It runs as one event-driven
// loop; all delivery state is owned by that loop and surfaces only
// through the event bus.
type Pipeline struct {
	opts    PipelineOptions
	ctrl    *term.Controller
	bus     *event.Bus[Event]
	log     *logging.Logger
	stats   *metrics.Registry
	matcher EchoMatcher

	submitCh chan Message
	signalCh chan Signal

	cancel context.CancelFunc
	done   chan struct{}

	// Loop-owned state; never touched outside run().
	table  map[string]*PendingDelivery
	queues *tierQueues
	groups map[string]*coalesceGroup
}

type coalesceGroup struct {
	firstAt time.Time
	lastAt  time.Time
	force   bool
}

func (g *coalesceGroup) closeAt(window, hardCap time.Duration) time.Time {
	if g.force {
		return g.lastAt
	}
	byWindow := g.lastAt.Add(window)
	byCap := g.firstAt.Add(hardCap)
	if byCap.Before(byWindow) {
		return byCap
	}
	return byWindow
}

func NewPipeline(ctx context.Context, ctrl *term.Controller, bus *event.Bus[Event], opts PipelineOptions) *Pipeline {
	if ctx == nil {
		ctx = context.Background()
	}
	opts = opts.normalized()
	ctx, cancel := context.WithCancel(ctx)

	p := &Pipeline{
		opts:     opts,
		ctrl:     ctrl,
		bus:      bus,
		log:      opts.Logger.With(map[string]string{"session": opts.Session}),
		stats:    opts.Registry,
		matcher:  EchoMatcher{BodyWords: opts.BodyWords},
		submitCh: make(chan Message, submitBuffer),
		signalCh: make(chan Signal, signalBuffer),
		cancel:   cancel,
		done:     make(chan struct{}),
		table:    make(map[string]*PendingDelivery),
		queues:   newTierQueues(opts.QueueCaps),
		groups:   make(map[string]*coalesceGroup),
	}
	go p.run(ctx)
	return p
}

// Submit hands a broker SEND to the pipeline.
func (p *Pipeline) Submit(msg Message) error {
	select {
	case <-p.done:
		return ErrPipelineClosed
	default:
	}
	select {
	case p.submitCh <- msg:
		return nil
	case <-p.done:
		return ErrPipelineClosed
	}
}

// Signal feeds a verification channel report into the pipeline. Signals
// for unknown or already-resolved deliveries are logged and discarded.
func (p *Pipeline) Signal(sig Signal) {
	select {
	case p.signalCh <- sig:
	case <-p.done:
	default:
		p.log.Warn("verification signal dropped, channel full", map[string]string{
			"delivery": sig.DeliveryID, "method": sig.Method,
		})
	}
}

// McpAck correlates an MCP tool-call ack to a pending delivery.
func (p *Pipeline) McpAck(deliveryID string) {
	p.Signal(Signal{DeliveryID: deliveryID, Method: "mcp", Confidence: ConfidenceMcpAcked, At: time.Now().UTC()})
}

// FileAck correlates a sidecar ack file to a pending delivery.
func (p *Pipeline) FileAck(deliveryID string) {
	p.Signal(Signal{DeliveryID: deliveryID, Method: "file", Confidence: ConfidenceFileAcked, At: time.Now().UTC()})
}

func (p *Pipeline) Close() {
	p.cancel()
	<-p.done
}

func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	wake := time.NewTimer(time.Hour)
	defer wake.Stop()

	for {
		p.tryInject()
		p.rearm(wake)

		select {
		case msg := <-p.submitCh:
			p.accept(msg)
		case sig := <-p.signalCh:
			p.applySignal(sig)
		case <-p.ctrl.OutputNotify():
			p.checkChannels()
		case <-p.ctrl.IdleNotify():
			// Injection is attempted at the top of the loop.
		case <-wake.C:
			p.onDeadlines(time.Now())
		case <-p.ctrl.Done():
			p.terminate(ReasonSessionClosed)
			return
		case <-ctx.Done():
			p.terminate(ReasonSessionClosed)
			return
		}
	}
}

func (p *Pipeline) accept(msg Message) {
	now := time.Now().UTC()
	if msg.Priority == PriorityHuman {
		// P0 is the passthrough path and never queues; a broker frame
		// claiming it is treated as system priority.
		p.log.Warn("P0 frame from broker clamped to P1", map[string]string{"delivery": msg.ID})
		msg.Priority = PrioritySystem
	}
	if msg.Priority < PrioritySystem || msg.Priority > PriorityBackground {
		msg.Priority = PriorityDirect
	}
	if _, exists := p.table[msg.ID]; exists {
		p.log.Debug("duplicate delivery ignored", map[string]string{"delivery": msg.ID})
		return
	}

	d := &PendingDelivery{
		Message:     msg,
		Attempt:     1,
		MaxAttempts: p.opts.MaxAttempts,
		Status:      StatusPending,
		CreatedAt:   now,
	}
	p.table[d.ID] = d

	if err := d.transition(StatusQueued); err != nil {
		p.log.Error(err.Error(), nil)
		return
	}
	d.EnqueuedAt = now
	p.touchGroup(d, now)

	dropped := p.queues.push(d)
	p.stats.IncDeliveryQueued()
	p.publish(newEvent(EventQueued, p.opts.Session, d))
	for _, victim := range dropped {
		p.drop(victim)
	}
}

func (p *Pipeline) touchGroup(d *PendingDelivery, now time.Time) {
	if d.Priority == PrioritySystem {
		return // P1 never coalesces
	}
	key := groupKey(d)
	g := p.groups[key]
	if g == nil {
		g = &coalesceGroup{firstAt: now}
		p.groups[key] = g
	}
	g.lastAt = now
	if d.retried {
		g.force = true
	}
}

func groupKey(d *PendingDelivery) string {
	return d.Priority.String() + "|" + d.From
}

// tryInject drains as much ready work as gating allows. Gates, in
// order: human cooldown, child idle window, coalescing windows.
func (p *Pipeline) tryInject() {
	for {
		if p.queues.empty() {
			return
		}
		if p.ctrl.Activity().InCooldown() {
			return
		}
		if !p.ctrl.Idle() {
			return
		}

		block := p.selectBlock(time.Now().UTC())
		if block == nil {
			return
		}
		p.inject(block)
	}
}

// selectBlock picks the highest-priority non-empty tier and, within it,
// the oldest sender whose coalescing window has closed. Lower tiers
// never jump ahead of a higher tier that is still coalescing.
func (p *Pipeline) selectBlock(now time.Time) *InjectionBlock {
	for idx := 0; idx < 4; idx++ {
		items := p.queues.items[idx]
		if len(items) == 0 {
			continue
		}
		if idx == 0 {
			// P1 system traffic is immediate.
			sender := items[0].From
			return &InjectionBlock{Sender: sender, Deliveries: p.queues.takeSender(idx, sender)}
		}
		for _, d := range items {
			g := p.groups[groupKey(d)]
			if g == nil || !g.closeAt(p.opts.CoalesceWindow, p.opts.CoalesceMax).After(now) {
				sender := d.From
				delete(p.groups, groupKey(d))
				return &InjectionBlock{Sender: sender, Deliveries: p.queues.takeSender(idx, sender)}
			}
		}
		return nil
	}
	return nil
}

func (p *Pipeline) inject(block *InjectionBlock) {
	now := time.Now().UTC()
	echoOffset := p.ctrl.Echo().EndOffset()
	err := p.ctrl.Write(block.Payload())

	for _, d := range block.Deliveries {
		if err != nil {
			p.fail(d, ReasonPtyClosed)
			continue
		}
		if terr := d.transition(StatusInjected); terr != nil {
			p.log.Error(terr.Error(), nil)
			continue
		}
		d.InjectedAt = now
		d.VerifyDeadline = now.Add(p.opts.VerifyTimeout)
		d.EchoOffset = echoOffset
		d.raiseConfidence(ConfidenceInjected)
		p.stats.IncDeliveryInjected()
		p.publish(newEvent(EventInjected, p.opts.Session, d))

		if p.opts.EchoPolicy == EchoOptimistic {
			p.resolve(d, ConfidenceInjected, "injected")
		}
	}
	if err != nil {
		p.log.Error("pty write failed", map[string]string{"error": err.Error()})
	}
}

// onDeadlines retires verification deadlines: bounded retry, then a
// single terminal failure.
func (p *Pipeline) onDeadlines(now time.Time) {
	for _, d := range p.table {
		if d.Status != StatusInjected || d.VerifyDeadline.After(now) {
			continue
		}
		if d.Attempt < d.MaxAttempts {
			p.retry(d, now)
			continue
		}
		p.fail(d, ReasonMaxRetries)
	}
}

// retry re-queues immediately: the failure mode is local, so there is no
// backoff (broker reconnection backoff is a separate concern).
func (p *Pipeline) retry(d *PendingDelivery, now time.Time) {
	if err := d.transition(StatusRetry); err != nil {
		p.log.Error(err.Error(), nil)
		return
	}
	if err := d.transition(StatusQueued); err != nil {
		p.log.Error(err.Error(), nil)
		return
	}
	d.Attempt++
	d.retried = true
	d.echoInconclusive = false
	d.EnqueuedAt = now
	p.stats.IncDeliveryRetried()
	p.touchGroup(d, now)
	for _, victim := range p.queues.push(d) {
		p.drop(victim)
	}
	p.log.Info("delivery retrying", map[string]string{
		"delivery": d.ID, "attempt": strconv.Itoa(d.Attempt),
	})
}

// checkChannels re-runs the passive verification channels whenever child
// output changes: echo matching first, then the activity heuristic.
func (p *Pipeline) checkChannels() {
	now := time.Now().UTC()
	for _, d := range p.table {
		if d.Status != StatusInjected {
			continue
		}
		if p.opts.EchoPolicy == EchoStrict && !d.echoInconclusive {
			switch p.matcher.Match(p.ctrl.Echo(), d) {
			case EchoMatched:
				p.resolve(d, ConfidenceEchoed, "echo")
				continue
			case EchoInconclusive:
				// Buffer overwritten before a match: not a failure,
				// other channels or the timeout decide.
				d.echoInconclusive = true
				p.log.Debug("echo window evicted before match", map[string]string{"delivery": d.ID})
			}
		}
		if d.Status == StatusInjected && p.activityObserved(d, now) {
			p.resolve(d, ConfidenceActive, "activity")
		}
	}
}

// activityObserved reports whether a configured tool-use marker appeared
// in output produced after this delivery's injection, within the
// activity window.
func (p *Pipeline) activityObserved(d *PendingDelivery, now time.Time) bool {
	if len(p.opts.ActivityMarkers) == 0 || now.After(d.InjectedAt.Add(p.opts.ActivityWindow)) {
		return false
	}
	win := p.ctrl.Echo()
	snap := win.Snapshot()
	start := win.EndOffset() - int64(len(snap))
	tail := snap
	if skip := d.EchoOffset - start; skip > 0 && skip <= int64(len(snap)) {
		tail = snap[skip:]
	}
	haystack := string(tail)
	for _, marker := range p.opts.ActivityMarkers {
		if marker != "" && strings.Contains(haystack, marker) {
			return true
		}
	}
	return false
}

func (p *Pipeline) applySignal(sig Signal) {
	d := p.table[sig.DeliveryID]
	if d == nil || d.Status != StatusInjected {
		// First successful signal wins; late or unknown reporters are
		// observability only.
		p.log.Debug("late or unknown verification signal", map[string]string{
			"delivery": sig.DeliveryID, "method": sig.Method,
		})
		return
	}
	conf := sig.Confidence
	if conf == ConfidenceNone {
		conf = confidenceForMethod(sig.Method)
	}
	p.resolve(d, conf, sig.Method)
}

func confidenceForMethod(method string) Confidence {
	switch method {
	case "echo":
		return ConfidenceEchoed
	case "file":
		return ConfidenceFileAcked
	case "mcp":
		return ConfidenceMcpAcked
	case "activity":
		return ConfidenceActive
	default:
		return ConfidenceInjected
	}
}

// resolve finalizes a delivery as Verified. Exactly one terminal event
// fires per delivery id.
func (p *Pipeline) resolve(d *PendingDelivery, conf Confidence, method string) {
	if err := d.transition(StatusVerified); err != nil {
		p.log.Error(err.Error(), nil)
		return
	}
	d.raiseConfidence(conf)
	delete(p.table, d.ID)

	eventType := EventAck
	if method == "activity" {
		eventType = EventActive
	}
	evt := newEvent(eventType, p.opts.Session, d)
	evt.Confidence = d.Confidence.String()
	evt.Method = method
	p.publish(evt)
	p.stats.IncDeliveryVerified(method)
	p.log.Info("delivery verified", map[string]string{
		"delivery": d.ID, "confidence": d.Confidence.String(), "method": method,
	})
}

// fail finalizes a delivery as Failed with a reason code.
func (p *Pipeline) fail(d *PendingDelivery, reason string) {
	if err := d.transition(StatusFailed); err != nil {
		p.log.Error(err.Error(), nil)
		return
	}
	delete(p.table, d.ID)
	p.queues.remove(d)

	evt := newEvent(EventFailed, p.opts.Session, d)
	evt.Reason = reason
	p.publish(evt)
	p.stats.IncDeliveryFailed(reason)
	p.log.Warn("delivery failed", map[string]string{"delivery": d.ID, "reason": reason})
}

// drop finalizes a delivery evicted by queue backpressure. Documented,
// never silent: a dropped event and a per-tier metric fire.
func (p *Pipeline) drop(d *PendingDelivery) {
	if err := d.transition(StatusFailed); err != nil {
		p.log.Error(err.Error(), nil)
		return
	}
	delete(p.table, d.ID)

	evt := newEvent(EventDropped, p.opts.Session, d)
	evt.Reason = ReasonQueueOverflow
	p.publish(evt)
	p.stats.IncDeliveryDropped(d.Priority.String())
	p.log.Warn("delivery dropped by backpressure", map[string]string{
		"delivery": d.ID, "tier": d.Priority.String(),
	})
}

// terminate fails every outstanding delivery and announces session end.
func (p *Pipeline) terminate(reason string) {
	for _, d := range p.table {
		if !d.Status.Terminal() {
			p.fail(d, reason)
		}
	}
	p.publish(Event{
		EventType:  EventSessionTerminated,
		Session:    p.opts.Session,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	})
	p.log.Info("session terminated", map[string]string{"reason": reason})
}

// rearm points the loop timer at the earliest pending deadline: a
// coalescing window closing, a verification deadline, or the human
// cooldown expiring with work queued.
func (p *Pipeline) rearm(wake *time.Timer) {
	p.pruneGroups()

	now := time.Now().UTC()
	var next time.Time

	earlier := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	for _, g := range p.groups {
		// A window already closed is waiting on idle or cooldown, not
		// on the timer.
		if at := g.closeAt(p.opts.CoalesceWindow, p.opts.CoalesceMax); at.After(now) {
			earlier(at)
		}
	}
	for _, d := range p.table {
		if d.Status == StatusInjected {
			earlier(d.VerifyDeadline)
		}
	}
	if !p.queues.empty() {
		if remaining := p.ctrl.Activity().Remaining(); remaining > 0 {
			earlier(now.Add(remaining))
		}
	}

	duration := time.Hour
	if !next.IsZero() {
		duration = time.Until(next)
		if duration < 0 {
			duration = 0
		}
	}

	if !wake.Stop() {
		select {
		case <-wake.C:
		default:
		}
	}
	wake.Reset(duration)
}

// pruneGroups drops coalescing state for senders with nothing queued.
func (p *Pipeline) pruneGroups() {
	if len(p.groups) == 0 {
		return
	}
	live := make(map[string]struct{})
	for idx := range p.queues.items {
		for _, d := range p.queues.items[idx] {
			live[groupKey(d)] = struct{}{}
		}
	}
	for key := range p.groups {
		if _, ok := live[key]; !ok {
			delete(p.groups, key)
		}
	}
}

func (p *Pipeline) publish(evt Event) {
	if p.bus != nil {
		p.bus.Publish(evt)
	}
}

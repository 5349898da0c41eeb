// Package broker maintains the websocket edge to the message broker:
// inbound SEND frames become pipeline submissions, outbound delivery
// events report what happened. The broker owns durability; this client
// owns the connection and bounded replay after reconnects.
package broker

import (
	"context"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"courier/internal/delivery"
	"courier/internal/event"
	"courier/internal/logging"
)

const (
	writeTimeout = 10 * time.Second

	// Reconnection backoff. Local injection retries are immediate; this
	// jittered backoff applies only to the network edge.
	backoffBase = 1000 * time.Millisecond
	backoffCap  = 30000 * time.Millisecond
)

type wsDialer interface {
	Dial(urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Frame is an inbound broker message.
type Frame struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
	Channel  string `json:"channel,omitempty"`
	Thread   string `json:"thread,omitempty"`
}

type Options struct {
	URL     string
	Token   string
	Replay  int // delivery events re-sent after reconnect
	Dialer  wsDialer
	Logger  *logging.Logger
	OnSend  func(delivery.Message)
	OnMcp   func(deliveryID string)
	Backoff func(attempt int) time.Duration // test hook
}

type Client struct {
	opts   Options
	bus    *event.Bus[delivery.Event]
	log    *logging.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(ctx context.Context, bus *event.Bus[delivery.Event], opts Options) *Client {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}
	if opts.Backoff == nil {
		opts.Backoff = jitteredBackoff
	}
	ctx, cancel := context.WithCancel(ctx)

	c := &Client{
		opts:   opts,
		bus:    bus,
		log:    opts.Logger.With(map[string]string{"component": "broker"}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

func (c *Client) Close() {
	c.cancel()
	<-c.done
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := c.opts.Dialer.Dial(c.opts.URL, c.header())
		if err != nil {
			attempt++
			delay := c.opts.Backoff(attempt)
			c.log.Warn("broker dial failed", map[string]string{
				"error": err.Error(), "retry_in": delay.String(),
			})
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		attempt = 0
		c.log.Info("broker connected", nil)
		c.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("broker disconnected", nil)
	}
}

func (c *Client) header() http.Header {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	return header
}

// serve pumps one connection until it breaks: a writer goroutine
// forwards delivery events (after replaying recent history), the read
// loop dispatches inbound frames.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ReadJSON only returns when the connection breaks; on shutdown the
	// context watcher breaks it for us.
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	events, unsubscribe := c.bus.Subscribe()
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for _, evt := range c.bus.ReplayLast(c.opts.Replay) {
			if c.writeJSON(conn, evt) != nil {
				return
			}
		}
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return
				}
				if err := c.writeJSON(conn, evt); err != nil {
					c.log.Warn("event write failed", map[string]string{"error": err.Error()})
					return
				}
			case <-connCtx.Done():
				return
			}
		}
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			cancel()
			<-writerDone
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) writeJSON(conn *websocket.Conn, payload any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

func (c *Client) dispatch(frame Frame) {
	switch strings.ToLower(frame.Type) {
	case "send", "deliver":
		if c.opts.OnSend == nil {
			return
		}
		if frame.ID == "" {
			// The pipeline keys deliveries by id; an empty one would
			// collide with every other id-less SEND.
			frame.ID = uuid.NewString()
		}
		priority, _ := delivery.ParsePriority(frame.Priority)
		c.opts.OnSend(delivery.Message{
			ID:         frame.ID,
			From:       frame.From,
			To:         frame.To,
			Body:       frame.Body,
			Priority:   priority,
			Channel:    frame.Channel,
			Thread:     frame.Thread,
			ReceivedAt: time.Now().UTC(),
		})
	case "mcp_ack":
		if c.opts.OnMcp != nil {
			c.opts.OnMcp(frame.ID)
		}
	default:
		c.log.Debug("unhandled broker frame", map[string]string{"frame_type": frame.Type})
	}
}

func jitteredBackoff(attempt int) time.Duration {
	delay := backoffCap
	if attempt >= 1 {
		if shifted := backoffBase << (attempt - 1); shifted > 0 && shifted <= backoffCap {
			delay = shifted
		}
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

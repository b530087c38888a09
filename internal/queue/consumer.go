// Package queue connects the worker to the event node that hands out task
// invocations over a WebSocket.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mattkinnersley/interceptor/internal/executor"
	"github.com/mattkinnersley/interceptor/internal/state"
	"github.com/mattkinnersley/interceptor/internal/task"
	"github.com/mattkinnersley/interceptor/internal/worker"
)

// Message types on the wire.
const (
	TypeSubscribe = "subscribe"
	TypeTask      = "task"
	TypeCancel    = "cancel"
	TypeResult    = "result"
	TypePong      = "pong"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer
	maxMessageSize = 4 << 20

	sendBuffer = 256
)

// ErrCancelRequested is the cause attached to tasks cancelled by the queue.
var ErrCancelRequested = errors.New("cancelled by queue")

// Message is the envelope of every frame.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Subscription announces the worker and the queue it consumes.
type Subscription struct {
	Queue    string `json:"queue"`
	Hostname string `json:"hostname"`
	Workers  int    `json:"workers"`
}

// CancelRequest names the invocation to stop.
type CancelRequest struct {
	ID string `json:"id"`
}

// ResultReport is sent once per invocation with its terminal status.
type ResultReport struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Execution string `json:"execution,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Dispatcher runs invocations. *worker.Dispatcher satisfies it.
type Dispatcher interface {
	Submit(ctx context.Context, inv task.Invocation, done func(worker.Result)) (state.Execution, error)
	Cancel(id string, cause error) bool
}

type Options struct {
	Queue    string
	Hostname string
	Workers  int
	// MaxReconnectInterval caps the wait between reconnect attempts.
	MaxReconnectInterval time.Duration
}

// Consumer reads invocations from the event node and writes results back.
// Task frames are queued locally and submitted one at a time as workers free
// up; cancel frames are applied as soon as they are read. Results produced
// while disconnected are buffered and sent after the next successful connect.
type Consumer struct {
	url        string
	opts       Options
	dispatcher Dispatcher
	dialer     *websocket.Dialer
	logger     zerolog.Logger

	send chan Message

	// backlog holds task frames read off the wire and not yet handed to the
	// dispatcher. The read loop never blocks on the pool.
	backlogMu sync.Mutex
	backlog   []task.Invocation
	wake      chan struct{}
}

func NewConsumer(rawURL string, d Dispatcher, opts Options, logger zerolog.Logger) (*Consumer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid queue URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("invalid queue URL scheme %q", u.Scheme)
	}
	if opts.MaxReconnectInterval <= 0 {
		opts.MaxReconnectInterval = 30 * time.Second
	}

	return &Consumer{
		url:        u.String(),
		opts:       opts,
		dispatcher: d,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     logger,
		send:       make(chan Message, sendBuffer),
		wake:       make(chan struct{}, 1),
	}, nil
}

// Run consumes until ctx is cancelled, reconnecting with exponential backoff
// whenever the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = c.opts.MaxReconnectInterval
	b.MaxElapsedTime = 0

	go c.submitLoop(ctx)

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			b.Reset()
			c.logger.Info().Str("url", c.url).Msg("connected to queue")
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("queue connection lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		conn.Close()
		wg.Wait()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sub, _ := json.Marshal(Subscription{Queue: c.opts.Queue, Hostname: c.opts.Hostname, Workers: c.opts.Workers})
	if err := c.write(conn, Message{Type: TypeSubscribe, Data: sub}); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(connCtx, conn)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("reading: %w", err)
			}
			return err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed message")
			continue
		}
		c.handle(msg)
	}
}

func (c *Consumer) handle(msg Message) {
	switch msg.Type {
	case TypeTask:
		var inv task.Invocation
		if err := json.Unmarshal(msg.Data, &inv); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed invocation")
			return
		}
		if inv.ID == "" {
			inv.ID = worker.NewInvocationID()
		}
		c.logger.Info().Str("task_id", inv.ID).Str("kind", inv.Name).Msg("received task")
		c.push(inv)

	case TypeCancel:
		var req CancelRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.ID == "" {
			c.logger.Warn().Err(err).Msg("dropping malformed cancel request")
			return
		}
		if c.dispatcher.Cancel(req.ID, ErrCancelRequested) {
			return
		}
		if inv, ok := c.drop(req.ID); ok {
			c.logger.Info().Str("task_id", req.ID).Msg("cancelled task before submission")
			c.report(worker.Result{ID: inv.ID, Kind: inv.Name, Status: executor.StatusAborted, Err: ErrCancelRequested})
			return
		}
		c.logger.Info().Str("task_id", req.ID).Msg("cancel for task that is not running")

	case TypePong:
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("ignoring message")
	}
}

func (c *Consumer) push(inv task.Invocation) {
	c.backlogMu.Lock()
	c.backlog = append(c.backlog, inv)
	c.backlogMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Consumer) drop(id string) (task.Invocation, bool) {
	c.backlogMu.Lock()
	defer c.backlogMu.Unlock()
	for i, inv := range c.backlog {
		if inv.ID == id {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return inv, true
		}
	}
	return task.Invocation{}, false
}

func (c *Consumer) next(ctx context.Context) (task.Invocation, bool) {
	for {
		c.backlogMu.Lock()
		if len(c.backlog) > 0 {
			inv := c.backlog[0]
			c.backlog = c.backlog[1:]
			c.backlogMu.Unlock()
			return inv, true
		}
		c.backlogMu.Unlock()

		select {
		case <-ctx.Done():
			return task.Invocation{}, false
		case <-c.wake:
		}
	}
}

// submitLoop hands backlog entries to the dispatcher in arrival order,
// waiting for a free worker before taking the next one.
func (c *Consumer) submitLoop(ctx context.Context) {
	for {
		inv, ok := c.next(ctx)
		if !ok {
			return
		}
		if _, err := c.dispatcher.Submit(ctx, inv, c.report); err != nil {
			c.logger.Error().Err(err).Str("task_id", inv.ID).Msg("rejecting task")
			c.report(worker.Result{ID: inv.ID, Kind: inv.Name, Status: worker.StatusFailed, Err: err})
		}
	}
}

// report queues a result frame. It never blocks the worker that finished.
func (c *Consumer) report(res worker.Result) {
	r := ResultReport{ID: res.ID, Status: res.Status, Execution: res.Execution}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	data, _ := json.Marshal(r)

	select {
	case c.send <- Message{Type: TypeResult, Data: data}:
	default:
		c.logger.Error().Str("task_id", res.ID).Str("status", res.Status).Msg("send buffer full, dropping result")
	}
}

func (c *Consumer) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
			return
		case msg := <-c.send:
			if err := c.write(conn, msg); err != nil {
				// keep the frame for the next connection
				select {
				case c.send <- msg:
				default:
				}
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Consumer) write(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

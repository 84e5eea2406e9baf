package validator

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gridstream.dev/internal/protocol"
	"gridstream.dev/internal/stream"
)

const (
	dialTimeout    = 5 * time.Second
	writeTimeout   = 5 * time.Second
	reconnectDelay = 2 * time.Second
	outQueueSize   = 1024
)

// Client keeps one websocket connection to the validation responder. Requests
// are fire-and-forget: while disconnected they are dropped and the tracker's
// timeout sweep resolves them fail-open, so a dead responder degrades to
// "everything validates late" rather than blocking the pipeline.
type Client struct {
	url    string
	report func(id stream.EntityID, valid bool)
	log    *log.Logger

	out chan []byte

	connected atomic.Bool
	dropTotal atomic.Uint64
}

// NewClient wires report to the tracker's ReportOutcome.
func NewClient(url string, report func(id stream.EntityID, valid bool), logger *log.Logger) *Client {
	return &Client{
		url:    url,
		report: report,
		log:    logger,
		out:    make(chan []byte, outQueueSize),
	}
}

// Connected reports whether a responder connection is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// DropTotal counts requests dropped while disconnected or saturated.
func (c *Client) DropTotal() uint64 { return c.dropTotal.Load() }

// Request asks the responder to validate the entity. Never blocks.
func (c *Client) Request(id stream.EntityID, kind stream.EntityKind) {
	if !c.connected.Load() {
		c.dropTotal.Add(1)
		return
	}
	b, err := json.Marshal(protocol.ValidateMsg{
		Type:            protocol.TypeValidate,
		ProtocolVersion: protocol.Version,
		EntityID:        uint64(id),
		EntityKind:      kind.String(),
	})
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	default:
		c.dropTotal.Add(1)
	}
}

// Run dials the responder and keeps the connection alive until ctx ends.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.runConn(ctx); err != nil {
			c.logf("validator connection: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) runConn(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.logf("validator connected: %s", c.url)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	// Writer goroutine.
	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case b := <-c.out:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					connCancel()
					return
				}
			}
		}
	}()

	// Unblock the read loop on shutdown.
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeResult {
			continue
		}
		var res protocol.ResultMsg
		if err := json.Unmarshal(msg, &res); err != nil {
			continue
		}
		if res.ProtocolVersion != protocol.Version {
			continue
		}
		if c.report != nil {
			c.report(stream.EntityID(res.EntityID), res.Valid)
		}
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.log != nil {
		c.log.Printf(format, args...)
	}
}

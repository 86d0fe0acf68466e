package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds outbound frame writes.
	writeWait = 10 * time.Second

	// pongWait is how long we tolerate silence before redialing.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Handler consumes decoded inbound events.
type Handler interface {
	HandleMindmapUpdate(ctx context.Context, update *MindmapUpdate)
	HandleActorTradeUpdate(ctx context.Context, update *ActorTradeUpdate)
}

// Client holds the inbound WebSocket connection, resubscribing and
// redialing with backoff whenever it drops.
type Client struct {
	url     string
	apiKey  string
	actors  []string
	mode    string // "all" or "subscribed"
	handler Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient wires a Client. actors is the subscription list used when mode
// is "subscribed".
func NewClient(url, apiKey, mode string, actors []string, handler Handler) *Client {
	return &Client{
		url:     url,
		apiKey:  apiKey,
		mode:    mode,
		actors:  actors,
		handler: handler,
	}
}

// Start launches the connection loop. Idempotent while running.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // keep redialing until stopped

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[STREAM] Connection lost: %v", err)
		}

		wait := policy.NextBackOff()
		log.Printf("[STREAM] Reconnecting in %v", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-API-Key", c.apiKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("[STREAM] Connected to %s", c.url)

	if err := c.subscribe(conn); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Pinger and a watcher that closes the conn on cancellation so the
	// blocking read below returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	sub := map[string]interface{}{
		"action": "subscribe",
		"mode":   c.mode,
	}
	if c.mode == "subscribed" {
		sub["actors"] = c.actors
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	log.Printf("[STREAM] Subscribed (mode=%s, actors=%d)", c.mode, len(c.actors))
	return nil
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[STREAM] Dropping malformed frame: %v", err)
		return
	}

	switch env.Type {
	case TypeMindmapUpdate:
		var update MindmapUpdate
		if err := json.Unmarshal(env.Payload, &update); err != nil {
			log.Printf("[STREAM] Bad mindmap update: %v", err)
			return
		}
		c.handler.HandleMindmapUpdate(ctx, &update)

	case TypeActorTrade:
		var update ActorTradeUpdate
		if err := json.Unmarshal(env.Payload, &update); err != nil {
			log.Printf("[STREAM] Bad actor trade: %v", err)
			return
		}
		c.handler.HandleActorTradeUpdate(ctx, &update)

	default:
		// Unknown frame types are ignored; the producer adds new ones
		// without version bumps.
	}
}

// Package bus is the runtime's observability surface: an embedded NATS
// server plus a thin client that broadcasts scheduler request
// transitions, agent status, and background job outcomes. Publishes are
// fire-and-forget; nothing in the chat path depends on delivery.
package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	nc "github.com/nats-io/nats.go"
)

// StartEmbedded starts an in-process NATS server on port and blocks
// until it is ready for connections.
func StartEmbedded(port int) (*server.Server, error) {
	opts := &server.Options{
		Port:     port,
		HTTPPort: -1,
		NoLog:    true,
		NoSigs:   true,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go srv.Start()

	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("NATS server failed to start in time")
	}
	return srv, nil
}

// Client wraps a NATS connection with convenience methods. A nil *Client
// is valid and drops every publish, so the runtime works unchanged with
// the bus disabled.
type Client struct {
	conn     *nc.Conn
	clientID string
}

// Connect creates a bus client with reconnect handling.
func Connect(url string, clientID string) (*Client, error) {
	opts := []nc.Option{
		nc.Name(clientID),
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(conn *nc.Conn, err error) {
			if err != nil {
				log.Printf("[BUS] %s disconnected: %v", clientID, err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			log.Printf("[BUS] %s reconnected to %s", clientID, conn.ConnectedUrl())
		}),
		nc.ClosedHandler(func(conn *nc.Conn) {
			log.Printf("[BUS] %s connection closed", clientID)
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{conn: conn, clientID: clientID}, nil
}

// Close closes the NATS connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.conn.Close()
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}

// PublishJSON publishes a JSON-encoded message to a subject. Failures
// are logged, never propagated: the bus is observability, not state.
func (c *Client) PublishJSON(subject string, v interface{}) {
	if c == nil || c.conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[BUS] failed to marshal message for %s: %v", subject, err)
		return
	}
	if err := c.conn.Publish(subject, data); err != nil {
		log.Printf("[BUS] failed to publish to %s: %v", subject, err)
	}
}

// Subscribe creates an asynchronous subscription, delivering raw payloads
// to handler.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) (*nc.Subscription, error) {
	if c == nil || c.conn == nil {
		return nil, fmt.Errorf("bus client is not connected")
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nc.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Flush flushes buffered data to the server.
func (c *Client) Flush() error {
	if c == nil || c.conn == nil {
		return nil
	}
	if err := c.conn.Flush(); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	return nil
}

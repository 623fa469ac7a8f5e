package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client is a synchronous NDJSON client for the daemon socket. Safe
// for concurrent use; requests are serialized on the connection.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	mu      sync.Mutex
	timeout time.Duration
}

// Dial connects to the daemon socket.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial daemon socket: %w", err)
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 64*1024),
		timeout: timeout,
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and waits for its response. An Error
// response is returned as *ProtocolError.
func (c *Client) Call(tag string, payload any) (*Envelope, error) {
	env, err := NewEnvelope(tag, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	line, err := readBoundedLine(c.reader, MaxMessageBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp Envelope
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Type == TagError {
		return nil, DecodeError(resp.Payload)
	}
	return &resp, nil
}

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	resp, err := c.Call(TagPing, nil)
	if err != nil {
		return err
	}
	if resp.Type != TagPong {
		return fmt.Errorf("unexpected response %q to ping", resp.Type)
	}
	return nil
}

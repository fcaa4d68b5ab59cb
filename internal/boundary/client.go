package boundary

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Client is the worker side of the Boundary: it opens one persistent
// connection to a job server's request endpoint and sends requests,
// correlating replies by id. Real worker subprocesses speak this same
// wire protocol in whatever language they're written in; Client exists so
// this module's own tests (and any Go-based worker) can exercise the
// transport directly.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to a boundary endpoint as returned by RequestEndpoint
// ("tcp://host:port").
func Dial(endpoint string) (*Client, error) {
	addr := strings.TrimPrefix(endpoint, "tcp://")
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("boundary: dial %s: %w", endpoint, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send issues a request and blocks for its reply. fields are encoded as
// UTF-8 text; use SendBlob to additionally carry one binary field.
func (c *Client) Send(tag Tag, fields map[string]string) (map[string][]byte, error) {
	return c.SendBlob(tag, fields, "", nil)
}

// SendBlob is Send plus one raw binary field (e.g. a measurements report's
// file, or a future pipeline blob on the wire back from the server).
func (c *Client) SendBlob(tag Tag, fields map[string]string, blobKey string, blob []byte) (map[string][]byte, error) {
	id := uuid.New()

	parts := make([][]byte, 0, 2+len(fields)+1)
	parts = append(parts, id[:])
	parts = append(parts, []byte(tag))
	for k, v := range fields {
		parts = append(parts, joinField(k, []byte(v)))
	}
	if blobKey != "" {
		parts = append(parts, joinField(blobKey, blob))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeMessage(c.conn, parts); err != nil {
		return nil, fmt.Errorf("boundary client: send %s: %w", tag, err)
	}

	replyParts, err := readMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("boundary client: read reply to %s: %w", tag, err)
	}
	if len(replyParts) < 2 {
		return nil, fmt.Errorf("boundary client: malformed reply to %s", tag)
	}

	out := make(map[string][]byte, len(replyParts)-2)
	for _, part := range replyParts[2:] {
		key, value, err := splitField(part)
		if err != nil {
			continue
		}
		out[key] = value
	}
	return out, nil
}

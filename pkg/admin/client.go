package admin

import (
	"fmt"
	"time"

	"github.com/kilnworks/kiln/pkg/protocol"
)

// Client is the admin-tool side of the admin channel, used by the CLI
// verbs.
type Client struct {
	conn    *protocol.Conn
	timeout time.Duration
}

// DialClient connects to a running master's admin socket.
func DialClient(addr string, timeout time.Duration) (*Client, error) {
	conn, err := protocol.Dial(addr, protocol.AdminRegistry(), timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) request(tag string, payload any) error {
	replyTag, reply, err := c.conn.Request(tag, payload, c.timeout)
	if err != nil {
		return err
	}
	switch replyTag {
	case protocol.TagDone:
		return nil
	case protocol.TagError:
		return fmt.Errorf("%s", reply.(*protocol.Error).Message)
	default:
		return fmt.Errorf("%w: unexpected reply %s", protocol.ErrProtocol, replyTag)
	}
}

// Import registers a synthetic build.
func (c *Client) Import(imp *protocol.Import) error {
	return c.request(protocol.TagImport, imp)
}

// Remove deletes a version, or marks it skipped when reason is set.
func (c *Client) Remove(pkg, version, reason string) error {
	return c.request(protocol.TagRemove, &protocol.Remove{
		Package: pkg,
		Version: version,
		Skip:    reason,
	})
}

// Rebuild regenerates the named part of the web tree.
func (c *Client) Rebuild(part, pkg string) error {
	return c.request(protocol.TagRebuild, &protocol.Rebuild{Part: part, Package: pkg})
}

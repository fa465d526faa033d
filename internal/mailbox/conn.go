package mailbox

import (
	"fmt"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// Client wraps an IMAP connection, exposing the login and authenticate
// primitives the authenticators consume.
type Client struct {
	c *imapclient.Client
}

// Dial connects to the IMAP server. With tls true it opens an implicit TLS
// connection (port 993 style); otherwise it connects in cleartext and
// upgrades via STARTTLS. The caller is responsible for Close.
func Dial(host string, port int, tls bool) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	var c *imapclient.Client
	var err error
	if tls {
		c, err = imapclient.DialTLS(addr, nil)
	} else {
		c, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	return &Client{c: c}, nil
}

// Login performs the IMAP LOGIN command.
func (c *Client) Login(username, password string) error {
	return c.c.Login(username, password).Wait()
}

// Authenticate performs IMAP AUTHENTICATE with the given SASL client.
func (c *Client) Authenticate(client sasl.Client) error {
	return c.c.Authenticate(client)
}

// Close logs out and closes the connection.
func (c *Client) Close() error {
	return c.c.Logout().Wait()
}

package lookup

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/endpoint"
	"go.uber.org/multierr"
)

// Client talks to a lookup Server.
type Client struct {
	server string
	keys   *crypto.KeyPair
	opts   *endpoint.Options
}

// NewClient returns a client for the server at addr. When serverID is not
// the zero Address the server must authenticate as it.
func NewClient(addr string, serverID crypto.Address, keys *crypto.KeyPair) *Client {
	opts := endpoint.NewOptions()
	opts.Expect = serverID
	return &Client{server: addr, keys: keys, opts: opts}
}

// Register records our Address under the caller's IP and port.
func (c *Client) Register(ctx context.Context, port uint16) error {
	_, err := c.roundTrip(ctx, &request{cmd: CmdRegister, address: c.keys.Address(), port: port})
	return err
}

// Unregister removes our Address.
func (c *Client) Unregister(ctx context.Context) error {
	_, err := c.roundTrip(ctx, &request{cmd: CmdUnregister, address: c.keys.Address()})
	return err
}

// Lookup returns the socket address registered for a.
func (c *Client) Lookup(ctx context.Context, a crypto.Address) (netip.AddrPort, error) {
	resp, err := c.roundTrip(ctx, &request{cmd: CmdLookup, address: a})
	if err != nil {
		return netip.AddrPort{}, err
	}
	if resp.code == RespUnknown {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrUnknown, a)
	}
	if !resp.socket.IsValid() {
		return netip.AddrPort{}, fmt.Errorf("%w: empty lookup answer", ErrRejected)
	}
	return resp.socket, nil
}

func (c *Client) roundTrip(ctx context.Context, req *request) (resp *response, err error) {
	ep, err := endpoint.DialTCP(ctx, c.server, c.keys, c.opts)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, ep.Close()) }()

	if err := endpoint.WriteMessage(ep, req); err != nil {
		return nil, err
	}
	resp = &response{}
	if err := endpoint.ReadMessage(ep, resp); err != nil {
		return nil, err
	}
	if resp.code == RespError {
		return nil, fmt.Errorf("%w: %s", ErrRejected, resp.msg)
	}
	return resp, nil
}

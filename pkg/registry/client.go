package registry

import (
	"context"
	"fmt"

	"github.com/busybox42/capstone/pkg/process"
)

// Client talks to a registry, local or behind a proxy, using a one-shot
// reply process per call.
type Client struct {
	registry process.Capability
	store    *process.Store
}

func NewClient(registry process.Capability, store *process.Store) *Client {
	return &Client{registry: registry, store: store}
}

func (c *Client) call(ctx context.Context, req *Request, want ResponseKind, caps ...process.Capability) (*Response, []process.Capability, error) {
	b, err := MarshalRequest(req)
	if err != nil {
		releaseAll(caps)
		return nil, nil, err
	}
	reply := process.NewReply(c.store)
	replyCap, err := reply.Capability()
	if err != nil {
		reply.Cancel()
		releaseAll(caps)
		return nil, nil, err
	}
	if err := c.registry.Send(ctx, b, append([]process.Capability{replyCap}, caps...)...); err != nil {
		reply.Cancel()
		return nil, nil, fmt.Errorf("registry request: %w", err)
	}
	sig, err := reply.Wait(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("registry reply: %w", err)
	}
	resp, err := UnmarshalResponse(sig.Payload)
	if err != nil {
		sig.ReleaseCaps()
		return nil, nil, err
	}
	if resp.Kind != want {
		sig.ReleaseCaps()
		return nil, nil, fmt.Errorf("registry: unexpected response kind %d", resp.Kind)
	}
	return resp, sig.Caps, nil
}

// Get looks name up. The returned capability is owned by the caller.
func (c *Client) Get(ctx context.Context, name string) (process.Capability, bool, error) {
	resp, caps, err := c.call(ctx, &Request{Kind: Get, Name: name}, GetResponse)
	if err != nil {
		return process.Capability{}, false, err
	}
	if !resp.Found || len(caps) == 0 {
		releaseAll(caps)
		return process.Capability{}, false, nil
	}
	releaseAll(caps[1:])
	return caps[0], true, nil
}

// Register binds name to cap. A nil result means the registry is
// read-only; otherwise it reports whether a binding was replaced.
func (c *Client) Register(ctx context.Context, name string, cap process.Capability) (*bool, error) {
	resp, caps, err := c.call(ctx, &Request{Kind: Register, Name: name}, RegisterResponse, cap)
	if err != nil {
		return nil, err
	}
	releaseAll(caps)
	return resp.Result, nil
}

func (c *Client) List(ctx context.Context) ([]string, error) {
	resp, caps, err := c.call(ctx, &Request{Kind: List}, ListResponse)
	if err != nil {
		return nil, err
	}
	releaseAll(caps)
	return resp.Names, nil
}

package fs

import (
	"context"
	"fmt"

	"github.com/busybox42/capstone/pkg/process"
	"github.com/busybox42/capstone/pkg/types"
)

type Client struct {
	provider process.Capability
	store    *process.Store
}

func NewClient(provider process.Capability, store *process.Store) *Client {
	return &Client{provider: provider, store: store}
}

func (c *Client) call(ctx context.Context, req *Request) (*Success, error) {
	b, err := MarshalRequest(req)
	if err != nil {
		return nil, err
	}
	reply := process.NewReply(c.store)
	rc, err := reply.Capability()
	if err != nil {
		reply.Cancel()
		return nil, err
	}
	if err := c.provider.Send(ctx, b, rc); err != nil {
		reply.Cancel()
		return nil, fmt.Errorf("fs request: %w", err)
	}
	sig, err := reply.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("fs reply: %w", err)
	}
	sig.ReleaseCaps()
	resp, err := UnmarshalResponse(sig.Payload)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Success, nil
}

// Get asks the provider to store target as a lump and returns its id.
func (c *Client) Get(ctx context.Context, target string) (types.LumpID, error) {
	s, err := c.call(ctx, &Request{Target: target, Kind: Get})
	if err != nil {
		return types.LumpID{}, err
	}
	if s.Get == nil {
		return types.LumpID{}, fmt.Errorf("fs: get response without a lump id")
	}
	return *s.Get, nil
}

func (c *Client) List(ctx context.Context, target string) ([]FileInfo, error) {
	s, err := c.call(ctx, &Request{Target: target, Kind: List})
	if err != nil {
		return nil, err
	}
	return s.List, nil
}

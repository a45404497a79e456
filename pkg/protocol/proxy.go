package protocol

import (
	"context"
	"fmt"

	"github.com/busybox42/capstone/pkg/process"
)

// proxy stands in for an object exported by the peer. Capabilities built
// on it count as local references in the import table.
type proxy struct {
	conn  *Connection
	index uint64
}

func (p *proxy) Deliver(ctx context.Context, sig process.Signal) error {
	return p.conn.invoke(ctx, p, sig)
}

// Monitor reports the loss of the connection; the peer's processes are
// not watched directly.
func (p *proxy) Monitor(ctx context.Context, watcher process.Capability) error {
	return p.conn.watch(ctx, p, watcher)
}

func (p *proxy) Kill(context.Context) error {
	return fmt.Errorf("%w: kill across a connection", process.ErrUnsupported)
}

func (p *proxy) Retain() {
	p.conn.retain(p)
}

func (p *proxy) Release() {
	p.conn.release(p)
}

func (p *proxy) String() string {
	return fmt.Sprintf("%s#%d", p.conn.RemotePeer(), p.index)
}

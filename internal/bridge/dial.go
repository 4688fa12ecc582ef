package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dshills/coltlink/internal/invoke"
	"github.com/dshills/coltlink/internal/rpc"
)

// ServiceDialer builds invokers that find the service through the COLT
// registry and start COLT through a launcher.
type ServiceDialer struct {
	Resolver rpc.EndpointResolver
	// Launcher starts COLT when a probe fails. Nil disables launching.
	Launcher invoke.Launcher

	InvokeOptions    []invoke.Option
	TransportOptions []rpc.Option
}

// Dial returns an invoker for the project file at project.
func (d *ServiceDialer) Dial(project string) Invoker {
	opts := make([]invoke.Option, 0, len(d.InvokeOptions)+1)
	if d.Launcher != nil {
		opts = append(opts, invoke.WithLauncher(d.Launcher, project))
	}
	opts = append(opts, d.InvokeOptions...)

	caller := &resolvingCaller{
		project:  project,
		resolver: d.Resolver,
		opts:     d.TransportOptions,
	}
	return invoke.New(caller, opts...)
}

// resolvingCaller re-resolves the endpoint before every call so a COLT
// instance started mid-wait is found on whatever port it registered.
type resolvingCaller struct {
	project  string
	resolver rpc.EndpointResolver
	opts     []rpc.Option

	mu        sync.Mutex
	transport *rpc.Transport
}

func (c *resolvingCaller) Invoke(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return c.current().Invoke(ctx, method, params...)
}

func (c *resolvingCaller) current() *rpc.Transport {
	url := c.resolver.Resolve(c.project)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil || c.transport.Connection().BaseURL != url {
		c.transport = rpc.NewTransport(rpc.NewConnection(c.project, url), c.opts...)
	}
	return c.transport
}

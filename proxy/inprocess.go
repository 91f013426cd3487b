package proxy

import (
	"context"
	"sync"

	"github.com/b-open-io/opensync/model"
)

// InProcessPlugin wraps a Plugin implementation that runs in the
// engine's own process (start_type NONE/THREAD from spec §6). Calls
// are serialized with a mutex so a plugin author never has to worry
// about concurrent re-entry, standing in for the separate OS thread
// the C ABI would otherwise dedicate to it.
type InProcessPlugin struct {
	mu     sync.Mutex
	inner  Plugin
}

func NewInProcessPlugin(inner Plugin) *InProcessPlugin {
	return &InProcessPlugin{inner: inner}
}

func (p *InProcessPlugin) Initialize(ctx context.Context, config map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.Initialize(ctx, config)
}

func (p *InProcessPlugin) Connect(ctx context.Context, objType model.ObjType) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.Connect(ctx, objType)
}

func (p *InProcessPlugin) ConnectDone(ctx context.Context, objType model.ObjType, slowsync bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.ConnectDone(ctx, objType, slowsync)
}

func (p *InProcessPlugin) GetChanges(ctx context.Context, objType model.ObjType, slowsync bool, out chan<- model.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.GetChanges(ctx, objType, slowsync, out)
}

func (p *InProcessPlugin) Commit(ctx context.Context, objType model.ObjType, change *model.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.Commit(ctx, objType, change)
}

func (p *InProcessPlugin) CommittedAll(ctx context.Context, objType model.ObjType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.CommittedAll(ctx, objType)
}

func (p *InProcessPlugin) SyncDone(ctx context.Context, objType model.ObjType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.SyncDone(ctx, objType)
}

func (p *InProcessPlugin) Disconnect(ctx context.Context, objType model.ObjType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.Disconnect(ctx, objType)
}

func (p *InProcessPlugin) Finalize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.Finalize(ctx)
}

func (p *InProcessPlugin) MainSink() bool {
	return p.inner.MainSink()
}

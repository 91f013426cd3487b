// Package proxy implements ClientProxy (C4): a thin async facade over
// one plugin instance, dispatching lifecycle calls with per-operation
// timeouts and tainting the (member, objtype) pair on failure.
// Grounded on the teacher's Destination interface (engine.go) for the
// lifecycle-call shape, and on Kong-go-database-reconciler's
// diff.defaultBackOff for the retry policy on transient errors.
package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/b-open-io/opensync/model"
)

// Plugin is the Go-native shape of the C ABI's per-sink lifecycle
// calls (spec §4.4, §6). One method per verb, all context-aware.
type Plugin interface {
	Initialize(ctx context.Context, config map[string]string) error
	// Connect reports whether the plugin requires a slow-sync for
	// objType (e.g. its stored anchor mismatched).
	Connect(ctx context.Context, objType model.ObjType) (slowsync bool, err error)
	ConnectDone(ctx context.Context, objType model.ObjType, slowsync bool) error
	// GetChanges streams changes on out and closes it when done;
	// the returned error (if non-nil) is the terminal status.
	GetChanges(ctx context.Context, objType model.ObjType, slowsync bool, out chan<- model.Change) error
	Commit(ctx context.Context, objType model.ObjType, change *model.Change) error
	CommittedAll(ctx context.Context, objType model.ObjType) error
	SyncDone(ctx context.Context, objType model.ObjType) error
	Disconnect(ctx context.Context, objType model.ObjType) error
	Finalize(ctx context.Context) error
	// MainSink reports whether this plugin wants connect/disconnect
	// dispatched once for the whole member rather than per objtype.
	MainSink() bool
}

// Timeouts holds the per-operation deadlines. DefaultTimeouts sets each
// to 60s; a zero or negative value means no deadline.
type Timeouts struct {
	Connect      time.Duration
	GetChanges   time.Duration
	Commit       time.Duration
	SyncDone     time.Duration
	Disconnect   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:    60 * time.Second,
		GetChanges: 60 * time.Second,
		Commit:     60 * time.Second,
		SyncDone:   60 * time.Second,
		Disconnect: 60 * time.Second,
	}
}

// retryable reports whether kind is a transient error worth retrying with backoff
// before giving up and tainting the member; TIMEOUT and
// PLUGIN_NOT_FOUND are never retried.
func retryable(kind model.ErrorKind) bool {
	return kind == model.KindNoConnection || kind == model.KindTemporary
}

func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 3
	return backoff.WithMaxRetries(b, 2) // attempts at ~1s, 3s
}

// ClientProxy wraps one Plugin instance, owned by EngineCore and shared
// (by weak back-reference only) with exactly one ObjEngine per objtype
// the plugin supports.
type ClientProxy struct {
	Member   model.MemberID
	plugin   Plugin
	timeouts Timeouts

	mu     sync.Mutex
	tainted map[model.ObjType]error
}

func NewClientProxy(member model.MemberID, plugin Plugin, timeouts Timeouts) *ClientProxy {
	return &ClientProxy{
		Member:   member,
		plugin:   plugin,
		timeouts: timeouts,
		tainted:  make(map[model.ObjType]error),
	}
}

// Tainted reports whether this (member, objtype) already failed this
// round; subsequent pipeline stages must skip it.
func (p *ClientProxy) Tainted(objType model.ObjType) (error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	err, ok := p.tainted[objType]
	return err, ok
}

func (p *ClientProxy) taint(objType model.ObjType, err error) error {
	p.mu.Lock()
	p.tainted[objType] = err
	p.mu.Unlock()
	return err
}

// ResetTaint clears tainted state ahead of a fresh round.
func (p *ClientProxy) ResetTaint(objType model.ObjType) {
	p.mu.Lock()
	delete(p.tainted, objType)
	p.mu.Unlock()
}

func (p *ClientProxy) MainSink() bool {
	return p.plugin.MainSink()
}

func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}

// call runs fn, converting a context deadline into a TIMEOUT Error and
// retrying transient (NO_CONNECTION/TEMPORARY) failures with backoff.
// Any resulting error taints (member, objType) for the rest of the
// round.
func (p *ClientProxy) call(ctx context.Context, objType model.ObjType, d time.Duration, fn func(context.Context) error) error {
	cctx, cancel := withTimeout(ctx, d)
	defer cancel()

	op := func() error {
		err := fn(cctx)
		if err == nil {
			return nil
		}
		if cctx.Err() != nil {
			return backoff.Permanent(model.Wrap(model.KindTimeout, "plugin call timed out", cctx.Err()))
		}
		if !retryable(model.KindOf(err)) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(retryPolicy(), cctx))
	if err != nil {
		return p.taint(objType, err)
	}
	return nil
}

func (p *ClientProxy) Initialize(ctx context.Context, config map[string]string) error {
	return p.plugin.Initialize(ctx, config)
}

func (p *ClientProxy) Connect(ctx context.Context, objType model.ObjType) (bool, error) {
	var slowsync bool
	err := p.call(ctx, objType, p.timeouts.Connect, func(cctx context.Context) error {
		var err error
		slowsync, err = p.plugin.Connect(cctx, objType)
		return err
	})
	return slowsync, err
}

func (p *ClientProxy) ConnectDone(ctx context.Context, objType model.ObjType, slowsync bool) error {
	return p.call(ctx, objType, p.timeouts.Connect, func(cctx context.Context) error {
		return p.plugin.ConnectDone(cctx, objType, slowsync)
	})
}

func (p *ClientProxy) GetChanges(ctx context.Context, objType model.ObjType, slowsync bool, out chan<- model.Change) error {
	return p.call(ctx, objType, p.timeouts.GetChanges, func(cctx context.Context) error {
		return p.plugin.GetChanges(cctx, objType, slowsync, out)
	})
}

func (p *ClientProxy) Commit(ctx context.Context, objType model.ObjType, change *model.Change) error {
	return p.call(ctx, objType, p.timeouts.Commit, func(cctx context.Context) error {
		return p.plugin.Commit(cctx, objType, change)
	})
}

func (p *ClientProxy) CommittedAll(ctx context.Context, objType model.ObjType) error {
	return p.call(ctx, objType, p.timeouts.Commit, func(cctx context.Context) error {
		return p.plugin.CommittedAll(cctx, objType)
	})
}

func (p *ClientProxy) SyncDone(ctx context.Context, objType model.ObjType) error {
	return p.call(ctx, objType, p.timeouts.SyncDone, func(cctx context.Context) error {
		return p.plugin.SyncDone(cctx, objType)
	})
}

// Disconnect always runs, even for a tainted member, so the plugin can
// clean up; it does not itself propagate taint into later rounds.
func (p *ClientProxy) Disconnect(ctx context.Context, objType model.ObjType) error {
	cctx, cancel := withTimeout(ctx, p.timeouts.Disconnect)
	defer cancel()
	return p.plugin.Disconnect(cctx, objType)
}

func (p *ClientProxy) Finalize(ctx context.Context) error {
	return p.plugin.Finalize(ctx)
}

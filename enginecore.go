package opensync

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/b-open-io/opensync/archive"
	"github.com/b-open-io/opensync/format"
	"github.com/b-open-io/opensync/hashtable"
	"github.com/b-open-io/opensync/model"
	"github.com/b-open-io/opensync/proxy"
)

// Member describes one group participant as EngineCore needs it: its
// plugin proxy, which objtypes it supports, and its preferred format
// per objtype (used by ObjEngine.multiply's format conversion).
type Member struct {
	ID      model.MemberID
	Proxy   *proxy.ClientProxy
	Formats map[model.ObjType]string // ObjectFormat name per supported objtype
}

// EngineCore is the per-group orchestrator (spec §4.7): it owns the
// group's exclusive lock, FormatEnv, Archive, every member's
// ClientProxy, and drives one ObjEngine per declared objtype each
// round. Adapted from the teacher's engine_impl.go orchestration shape
// (Engine owning Destinations + SyncManager), generalized from "sync
// configs to N destinations" into "sync N objtypes across N members".
type EngineCore struct {
	groupDir string

	lock    *GroupLock
	env     *format.Env
	archive archive.Archive
	bus     *eventBus
	queue   *commandQueue
	watch   *configWatch

	members []*Member
	objTypes []model.ObjType
	resolve  ConflictResolver

	mu         sync.Mutex
	hashtables map[model.MemberID]map[model.ObjType]*hashtable.Table
	objEngines map[model.ObjType]*ObjEngine

	initialized bool
}

// NewEngineCore wires a group's members, supported objtypes, format
// environment and archive into an orchestrator. groupDir is the config
// directory housing the group's lock file and watched for external
// edits.
func NewEngineCore(
	groupDir string,
	members []*Member,
	objTypes []model.ObjType,
	env *format.Env,
	arc archive.Archive,
	resolve ConflictResolver,
) *EngineCore {
	return &EngineCore{
		groupDir:   groupDir,
		lock:       NewGroupLock(filepath.Join(groupDir, "sync.lock")),
		env:        env,
		archive:    arc,
		bus:        newEventBus(),
		queue:      newCommandQueue(),
		members:    members,
		objTypes:   objTypes,
		resolve:    resolve,
		hashtables: make(map[model.MemberID]map[model.ObjType]*hashtable.Table),
		objEngines: make(map[model.ObjType]*ObjEngine),
	}
}

// SetCallbacks subscribes handler to event and returns an unsubscribe
// func; callers wire STATUS_UPDATE sinks here before Initialize.
func (ec *EngineCore) SetCallbacks(event model.EventKind, handler StatusHandler) func() {
	return ec.bus.on(event, handler)
}

// Initialize acquires the group lock, opens the watch on the config
// directory, runs the archive's orphan repair, and initializes every
// member's plugin. A PREV_UNCLEAN status is emitted (not an error) if
// the lock file shows a prior unclean shutdown -- the caller should
// treat the upcoming round as a slow-sync candidate.
func (ec *EngineCore) Initialize(ctx context.Context, pluginConfig map[model.MemberID]map[string]string) error {
	result, err := ec.lock.Acquire()
	if err != nil {
		return err
	}
	if result.PrevUnclean {
		ec.bus.emit(model.StatusUpdate{Kind: model.EventPrevUnclean,
			Err: model.NewError(model.KindGeneric, "previous run did not release the lock cleanly (pid "+result.PrevPID+")")})
	}

	known := make(map[model.MemberID]bool, len(ec.members))
	for _, m := range ec.members {
		known[m.ID] = true
	}
	if err := ec.archive.Repair(known); err != nil {
		ec.lock.Release()
		return err
	}

	watch, err := newConfigWatch(ec.groupDir, ec.bus, nil)
	if err != nil {
		ec.lock.Release()
		return err
	}
	ec.watch = watch

	for _, m := range ec.members {
		cfg := pluginConfig[m.ID]
		if err := m.Proxy.Initialize(ctx, cfg); err != nil {
			ec.bus.emit(model.StatusUpdate{Kind: model.EventError, Member: m.ID, Err: err})
		}
		ec.hashtables[m.ID] = make(map[model.ObjType]*hashtable.Table)
		for _, ot := range ec.objTypes {
			ht := hashtable.New()
			entries, err := ec.archive.LoadHashtable(m.ID, ot)
			if err != nil {
				ec.lock.Release()
				return err
			}
			if entries != nil {
				ht.Load(entries)
			}
			ec.hashtables[m.ID][ot] = ht
		}
	}

	ec.initialized = true
	return nil
}

// SynchronizeAndBlock first re-runs the archive's orphan repair, then
// runs one full round: every objtype's ObjEngine to
// completion, one at a time, through the cooperative engine loop (spec
// §5). Each objtype is enqueued as a single command onto commandQueue;
// run drains and executes them on the calling goroutine, so
// MappingTable and Hashtable state is only ever touched from that one
// loop even though ObjEngine.Run internally fans its own member RPCs
// out across goroutines and joins before returning. Per-objtype errors
// are reported via the status bus rather than aborting sibling
// objtypes.
func (ec *EngineCore) SynchronizeAndBlock(ctx context.Context) error {
	if !ec.initialized {
		return model.NewError(model.KindMisconfigured, "enginecore: Initialize not called")
	}

	known := make(map[model.MemberID]bool, len(ec.members))
	for _, m := range ec.members {
		known[m.ID] = true
	}
	if err := ec.archive.Repair(known); err != nil {
		return err
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, ot := range ec.objTypes {
		ot := ot
		oe := ec.buildObjEngine(ot)

		ec.mu.Lock()
		ec.objEngines[ot] = oe
		ec.mu.Unlock()

		ec.queue.push(command{run: func() {
			_, err := oe.Run(ctx)
			record(err)
		}})
	}

	ec.run(len(ec.objTypes))
	notifyWatchdog()
	return firstErr
}

// run drains commandQueue in FIFO order, executing each command to
// completion before picking up the next, until count commands have
// run. This is EngineCore's single engine loop: nothing outside of a
// queued command's execution may touch MappingTable or Hashtable
// state.
func (ec *EngineCore) run(count int) {
	for count > 0 {
		cmds := ec.queue.drain()
		if len(cmds) == 0 {
			ec.queue.wait()
			continue
		}
		for _, cmd := range cmds {
			cmd.run()
			count--
		}
	}
}

func (ec *EngineCore) buildObjEngine(ot model.ObjType) *ObjEngine {
	proxies := make(map[model.MemberID]*proxy.ClientProxy)
	hashtables := make(map[model.MemberID]*hashtable.Table)
	formats := make(map[model.MemberID]string)
	order := make([]model.MemberID, 0, len(ec.members))

	for _, m := range ec.members {
		target, supports := m.Formats[ot]
		if !supports {
			continue
		}
		proxies[m.ID] = m.Proxy
		hashtables[m.ID] = ec.hashtables[m.ID][ot]
		formats[m.ID] = target
		order = append(order, m.ID)
	}

	return NewObjEngine(ot, order, proxies, hashtables, formats, ec.archive, ec.env, ec.bus, ec.resolve)
}

// Finalize releases every resource Initialize acquired, in reverse
// order, best-effort: it keeps going past individual failures so a
// broken plugin can never prevent the lock from being released.
func (ec *EngineCore) Finalize(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, m := range ec.members {
		record(m.Proxy.Finalize(ctx))
	}
	if ec.watch != nil {
		record(ec.watch.Close())
	}
	record(ec.archive.Close())
	record(ec.lock.Release())
	ec.queue.close()
	ec.initialized = false
	return firstErr
}

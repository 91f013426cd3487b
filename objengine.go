package opensync

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/b-open-io/opensync/archive"
	"github.com/b-open-io/opensync/format"
	"github.com/b-open-io/opensync/hashtable"
	"github.com/b-open-io/opensync/mapper"
	"github.com/b-open-io/opensync/model"
	"github.com/b-open-io/opensync/proxy"
)

// ObjState is one state of the per-objtype pipeline (spec §4.6).
type ObjState int

const (
	StateIdle ObjState = iota
	StateConnecting
	StateConnected
	StateReading
	StateRead
	StateMapping
	StateConflicts
	StateMultiplying
	StatePreparedWrite
	StateWriting
	StateWritten
	StateSyncDone
	StateDisconnecting
	StateDisconnected
	StateSuccess
	StateError
)

func (s ObjState) String() string {
	names := [...]string{
		"IDLE", "CONNECTING", "CONNECTED", "READING", "READ", "MAPPING",
		"CONFLICTS", "MULTIPLYING", "PREPARED_WRITE", "WRITING", "WRITTEN",
		"SYNC_DONE", "DISCONNECTING", "DISCONNECTED", "SUCCESS", "ERROR",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// maxDupeSuffix bounds the "-dupeN" renaming loop used by the
// duplicate conflict policy. The source this spec was distilled from
// does not bound this recursion; 32 is the practical cap the spec
// documents as sufficient (see spec §9 open questions).
const maxDupeSuffix = 32

// ConflictResolver is invoked once per conflicting mapping, in
// insertion order, and returns the chosen policy and (for
// pick-member/pick-latest/duplicate) which entry to apply.
type ConflictResolver func(mapping *model.Mapping) (model.ConflictPolicy, model.MemberID)

// ObjEngine drives one objtype's pipeline across every member that
// supports it: connect -> get_changes -> map -> resolve conflicts ->
// multiply -> write -> sync_done -> disconnect.
type ObjEngine struct {
	ObjType model.ObjType

	proxies       map[model.MemberID]*proxy.ClientProxy
	hashtables    map[model.MemberID]*hashtable.Table
	memberFormats map[model.MemberID]string // preferred ObjectFormat name, per member
	archive       archive.Archive
	env           *format.Env
	mapper        *mapper.Mapper
	bus           *eventBus
	resolve       ConflictResolver

	memberOrder []model.MemberID
	state       ObjState
	slowsync    map[model.MemberID]bool

	// forcedWrite marks (mapping, member) pairs a conflict resolution
	// overwrote this round: multiply must commit these even though the
	// entry's Change now reads identically to the winner, since the
	// member's actual stored content has not yet caught up.
	forcedWrite map[int64]map[model.MemberID]bool
}

// NewObjEngine builds one objtype's pipeline. memberOrder fixes the
// deterministic iteration order spec §4.5/§4.6 require (group
// insertion order); it must list exactly the members present as keys
// in proxies, and callers must not rebuild it from map iteration.
func NewObjEngine(
	objType model.ObjType,
	memberOrder []model.MemberID,
	proxies map[model.MemberID]*proxy.ClientProxy,
	hashtables map[model.MemberID]*hashtable.Table,
	memberFormats map[model.MemberID]string,
	arc archive.Archive,
	env *format.Env,
	bus *eventBus,
	resolve ConflictResolver,
) *ObjEngine {
	return &ObjEngine{
		ObjType:       objType,
		proxies:       proxies,
		hashtables:    hashtables,
		memberFormats: memberFormats,
		archive:       arc,
		env:           env,
		mapper:        mapper.New(env),
		bus:           bus,
		resolve:       resolve,
		memberOrder:   memberOrder,
		state:         StateIdle,
		slowsync:      make(map[model.MemberID]bool),
	}
}

func (oe *ObjEngine) emit(kind model.EventKind, member model.MemberID, err error) {
	oe.bus.emit(model.StatusUpdate{Kind: kind, Member: member, ObjType: oe.ObjType, Err: err})
}

// Run drives one full sync round for this objtype to completion,
// returning the round's terminal state (SUCCESS or ERROR).
func (oe *ObjEngine) Run(ctx context.Context) (ObjState, error) {
	tainted := make(map[model.MemberID]bool)
	oe.forcedWrite = make(map[int64]map[model.MemberID]bool)

	oe.state = StateConnecting
	oe.connectAll(ctx, tainted)
	oe.state = StateConnected
	oe.emit(model.EventConnected, "", nil)

	for _, member := range oe.memberOrder {
		if tainted[member] {
			continue
		}
		p := oe.proxies[member]
		if err := p.ConnectDone(ctx, oe.ObjType, oe.slowsync[member]); err != nil {
			tainted[member] = true
			oe.emit(model.EventError, member, err)
		}
	}
	oe.emit(model.EventConnectDone, "", nil)

	oe.state = StateReading
	changes := oe.getChangesAll(ctx, tainted)
	oe.state = StateRead
	oe.emit(model.EventRead, "", nil)

	if len(tainted) == len(oe.memberOrder) {
		// every member tainted: nothing to do, early success.
		oe.disconnectAll(ctx, tainted)
		oe.state = StateSuccess
		oe.emit(model.EventSuccessful, "", nil)
		return oe.state, nil
	}

	oe.state = StateMapping
	table, err := oe.loadMappingTable(tainted)
	if err != nil {
		oe.state = StateError
		oe.emit(model.EventError, "", err)
		return oe.state, err
	}

	result, err := oe.mapper.Map(oe.ObjType, table, changes, oe.memberOrder, tainted)
	if err != nil {
		oe.state = StateError
		oe.emit(model.EventError, "", err)
		return oe.state, err
	}
	oe.emit(model.EventMapped, "", nil)

	if len(result.Conflicted) > 0 {
		oe.state = StateConflicts
		for _, m := range result.Conflicted {
			oe.emit(model.EventError, "", nil)
			resolved := oe.resolveConflict(m)
			if resolved != nil {
				result.Solved = append(result.Solved, resolved)
			}
		}
		oe.emit(model.EventEndConflicts, "", nil)
	}

	oe.state = StateMultiplying
	commits := oe.multiply(result.Solved, tainted)
	oe.emit(model.EventMultiplied, "", nil)

	oe.state = StatePreparedWrite
	oe.state = StateWriting
	writeErrs := oe.commitAll(ctx, commits, tainted)
	oe.state = StateWritten
	oe.emit(model.EventWritten, "", nil)

	for _, member := range oe.memberOrder {
		if tainted[member] {
			continue
		}
		if err := oe.proxies[member].SyncDone(ctx, oe.ObjType); err != nil {
			tainted[member] = true
			oe.emit(model.EventError, member, err)
		}
	}
	oe.state = StateSyncDone
	oe.persist(table, result, tainted)
	oe.emit(model.EventSyncDone, "", nil)

	oe.disconnectAll(ctx, tainted)

	if len(writeErrs) > 0 && len(writeErrs) == len(commits) {
		oe.state = StateError
		oe.emit(model.EventError, "", writeErrs[0])
		return oe.state, writeErrs[0]
	}
	oe.state = StateSuccess
	oe.emit(model.EventSuccessful, "", nil)
	return oe.state, nil
}

func (oe *ObjEngine) connectAll(ctx context.Context, tainted map[model.MemberID]bool) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, member := range oe.memberOrder {
		member := member
		p := oe.proxies[member]
		wg.Add(1)
		go func() {
			defer wg.Done()
			slow, err := p.Connect(ctx, oe.ObjType)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				tainted[member] = true
				oe.emit(model.EventError, member, err)
				return
			}
			oe.slowsync[member] = slow
			if oe.slowsync[member] {
				oe.hashtables[member].Slowsync()
			} else {
				oe.hashtables[member].Reset()
			}
		}()
	}
	wg.Wait()
}

func (oe *ObjEngine) getChangesAll(ctx context.Context, tainted map[model.MemberID]bool) map[model.MemberID][]model.Change {
	out := make(map[model.MemberID][]model.Change)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, member := range oe.memberOrder {
		if tainted[member] {
			continue
		}
		member := member
		p := oe.proxies[member]
		ht := oe.hashtables[member]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := make(chan model.Change, 16)
			done := make(chan error, 1)
			go func() { done <- p.GetChanges(ctx, oe.ObjType, oe.slowsync[member], ch) }()

			var collected []model.Change
			for c := range ch {
				c.Member = member
				c.Type = ht.GetChangeType(c.UID, c.Hash)
				if c.Type != model.Unmodified {
					collected = append(collected, c)
				}
				ht.UpdateChange(&c)
			}
			if err := <-done; err != nil {
				mu.Lock()
				tainted[member] = true
				mu.Unlock()
				oe.emit(model.EventError, member, err)
				return
			}
			for _, uid := range ht.GetDeleted() {
				collected = append(collected, model.Change{
					UID: uid, Type: model.Deleted, Member: member, ObjType: oe.ObjType,
					Format: oe.memberFormats[member],
				})
			}
			mu.Lock()
			out[member] = collected
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (oe *ObjEngine) loadMappingTable(tainted map[model.MemberID]bool) (*model.MappingTable, error) {
	table, err := oe.archive.LoadMappings(oe.ObjType)
	if err != nil {
		return nil, err
	}
	anySlow := false
	for _, member := range oe.memberOrder {
		if oe.slowsync[member] {
			anySlow = true
		}
	}
	if anySlow {
		// slow-sync forces the whole objtype's MappingTable rebuilt
		// from scratch: every reported change reclassifies as ADDED.
		return model.NewMappingTable(oe.ObjType), nil
	}
	return table, nil
}

// resolveConflict applies the fixed conflict-resolution menu. The
// callback chooses a policy and, where relevant, which member's change
// wins; this function turns that choice into entry updates.
func (oe *ObjEngine) resolveConflict(m *model.Mapping) *model.Mapping {
	if oe.resolve == nil {
		return nil // unresolved conflicts stay pending for next round
	}
	policy, chosenMember := oe.resolve(m)

	switch policy {
	case model.PolicyAbort:
		return nil
	case model.PolicyIgnore:
		return nil // persisted as pending via SaveIgnored in persist()
	case model.PolicyPickMember, model.PolicyPickLatest:
		winner, ok := m.Entries[chosenMember]
		if !ok || winner.Change == nil {
			return nil
		}
		for member, e := range m.Entries {
			if member == chosenMember {
				continue
			}
			cc := *winner.Change
			cc.Member = member
			e.Change = &cc
			m.Entries[member] = e
			oe.markForcedWrite(m.ID, member)
		}
		return m
	case model.PolicyDuplicate:
		oe.duplicateDivergent(m, chosenMember)
		for member := range m.Entries {
			oe.markForcedWrite(m.ID, member)
		}
		return m
	case model.PolicyDelete:
		for member, e := range m.Entries {
			cc := model.Change{UID: e.UID, Type: model.Deleted, Member: member, ObjType: oe.ObjType}
			e.Change = &cc
			m.Entries[member] = e
			oe.markForcedWrite(m.ID, member)
		}
		return m
	default:
		return nil
	}
}

func (oe *ObjEngine) markForcedWrite(mappingID int64, member model.MemberID) {
	if oe.forcedWrite[mappingID] == nil {
		oe.forcedWrite[mappingID] = make(map[model.MemberID]bool)
	}
	oe.forcedWrite[mappingID][member] = true
}

// duplicateDivergent gives the divergent side a new uid (so both
// versions survive), appending "-dupeN" suffixes up to maxDupeSuffix
// before falling back to a uuid-suffixed uid.
func (oe *ObjEngine) duplicateDivergent(m *model.Mapping, divergentMember model.MemberID) {
	e, ok := m.Entries[divergentMember]
	if !ok {
		return
	}
	base := string(e.UID)
	existing := make(map[model.UID]bool)
	for _, other := range m.Entries {
		existing[other.UID] = true
	}

	var newUID model.UID
	for i := 2; i <= maxDupeSuffix; i++ {
		candidate := model.UID(fmt.Sprintf("%s-dupe%d", base, i))
		if !existing[candidate] {
			newUID = candidate
			break
		}
	}
	if newUID == "" {
		newUID = model.UID(fmt.Sprintf("%s-dupe-%s", base, uuid.NewString()))
	}

	e.UID = newUID
	if e.Change != nil {
		cc := *e.Change
		cc.UID = newUID
		e.Change = &cc
	}
	m.Entries[divergentMember] = e
}

// multiply clones each solved mapping's winning change per target
// member, format-converting via FormatEnv. Members missing an entry
// get the winning change as ADDED; members whose entry already equals
// the winner get UNMODIFIED (skipped from commit).
func (oe *ObjEngine) multiply(solved []*model.Mapping, tainted map[model.MemberID]bool) []pendingCommit {
	var commits []pendingCommit

	for _, m := range solved {
		winner := pickWinner(m)
		if winner == nil {
			continue
		}
		for _, member := range oe.memberOrder {
			if tainted[member] {
				continue
			}
			forced := oe.forcedWrite[m.ID][member]
			entry, has := m.Entries[member]
			if !forced {
				if has && entry.Change != nil && entry.Change.Type == model.Unmodified {
					continue
				}
				// A member that already reported this exact content
				// this round (the common case when a SAME-pair ADD
				// merges two members' reports into one mapping) needs
				// no write-back.
				if has && entry.Change != nil && oe.sameContent(winner, entry.Change) {
					continue
				}
				// A member with no report this round is already in
				// sync per the round's idempotence invariant -- unless
				// the winner is a DELETE, since a silent member's copy
				// predates the deletion and still needs to be removed.
				if has && entry.Change == nil && winner.Type != model.Deleted {
					continue
				}
			}

			cc := *winner
			cc.Member = member
			if has {
				cc.UID = entry.UID
				if entry.Change == nil && winner.Type != model.Deleted {
					cc.Type = model.Added
				}
			} else {
				cc.Type = model.Added
				cc.UID = ""
			}

			if target := oe.memberFormats[member]; target != "" && target != cc.Format {
				if path, ok := oe.env.FindPath(cc.Format, cc.ObjType, cc.Data, []string{target}); ok {
					oe.env.Convert(&cc, path) // best-effort: no path/failed convert keeps source format
				}
			}

			commits = append(commits, pendingCommit{mapping: m, member: member, change: cc})
		}
	}
	return commits
}

// sameContent reports whether b already carries the same content as
// winner, converting b into winner's format first if needed. Mirrors
// the mapper package's own compare step but stays local to this file
// since mapper's compare method is unexported.
func (oe *ObjEngine) sameContent(winner, b *model.Change) bool {
	f, ok := oe.env.FindFormat(winner.Format)
	if !ok || f.Compare == nil {
		return false
	}
	converted := *b
	if b.Format != winner.Format {
		path, ok := oe.env.FindPath(b.Format, b.ObjType, b.Data, []string{winner.Format})
		if !ok {
			return false
		}
		if err := oe.env.Convert(&converted, path); err != nil {
			return false
		}
	}
	return f.Compare(winner, &converted) == model.Same
}

func pickWinner(m *model.Mapping) *model.Change {
	for _, e := range m.Entries {
		if e.Change != nil && e.Change.Type != model.Unmodified {
			c := *e.Change
			return &c
		}
	}
	return nil
}

type pendingCommit struct {
	mapping *model.Mapping
	member  model.MemberID
	change  model.Change
}

func (oe *ObjEngine) commitAll(ctx context.Context, commits []pendingCommit, tainted map[model.MemberID]bool) []error {
	var errs []error
	byMember := make(map[model.MemberID][]pendingCommit)
	for _, c := range commits {
		byMember[c.member] = append(byMember[c.member], c)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for member, memberCommits := range byMember {
		if tainted[member] {
			continue
		}
		member := member
		memberCommits := memberCommits
		p := oe.proxies[member]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, c := range memberCommits {
				cc := c.change
				if err := p.Commit(ctx, oe.ObjType, &cc); err != nil {
					mu.Lock()
					tainted[member] = true
					errs = append(errs, err)
					mu.Unlock()
					oe.emit(model.EventError, member, err)
					return
				}
			}
			if err := p.CommittedAll(ctx, oe.ObjType); err != nil {
				mu.Lock()
				tainted[member] = true
				errs = append(errs, err)
				mu.Unlock()
				oe.emit(model.EventError, member, err)
			}
		}()
	}
	wg.Wait()
	return errs
}

// persist saves every member's Hashtable and the objtype's
// MappingTable/ignored list after a successful (or partially
// successful) round.
func (oe *ObjEngine) persist(table *model.MappingTable, result *mapper.Result, tainted map[model.MemberID]bool) {
	for _, m := range append(append(result.Solved, result.NoOp...), result.Conflicted...) {
		allDeleted := true
		for _, e := range m.Entries {
			if e.Change == nil || e.Change.Type != model.Deleted {
				allDeleted = false
				break
			}
		}
		if allDeleted {
			oe.archive.DeleteMapping(oe.ObjType, m.ID)
			table.Drop(m.ID)
			continue
		}
		oe.archive.SaveMapping(m)
	}

	resolved := make(map[int64]bool, len(result.Solved))
	for _, m := range result.Solved {
		resolved[m.ID] = true
	}
	var ignored []int64
	for _, m := range result.Conflicted {
		if !resolved[m.ID] {
			ignored = append(ignored, m.ID)
		}
	}
	oe.archive.SaveIgnored(oe.ObjType, ignored)

	for member, ht := range oe.hashtables {
		if tainted[member] {
			continue
		}
		if err := oe.archive.SaveHashtable(member, oe.ObjType, ht.Save()); err != nil {
			oe.emit(model.EventError, member, err)
		}
	}
}

func (oe *ObjEngine) disconnectAll(ctx context.Context, tainted map[model.MemberID]bool) {
	oe.state = StateDisconnecting
	var wg sync.WaitGroup
	for _, member := range oe.memberOrder {
		member := member
		p := oe.proxies[member]
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Disconnect runs even for tainted members so the plugin
			// can clean up (spec §4.4 tainting rule).
			if err := p.Disconnect(ctx, oe.ObjType); err != nil {
				oe.emit(model.EventError, member, err)
			}
		}()
	}
	wg.Wait()
	oe.state = StateDisconnected
	oe.emit(model.EventDisconnected, "", nil)
}

// Package imageset tracks per-image-set status for one run. It plays the
// role the teacher's jobmanager package plays for its job state machine,
// adapted to the simpler three-state lifecycle spec.md defines: status
// transitions are strictly monotonic, Unprocessed -> InProcess -> Done,
// and re-dispatch of a Done set only happens under overwrite.
package imageset

import (
	"sort"
	"sync"

	"github.com/ChuLiYu/analysis-runner/internal/measurements"
	"github.com/ChuLiYu/analysis-runner/pkg/types"
)

// processingStatusKey is the measurements-store key a Done status is
// persisted under, the ProcessingStatus-equivalent field the original's
// cpmeas.STATUS check reads back on a rerun.
const processingStatusKey = "ProcessingStatus"

// Manager is the single source of truth for image-set status within one
// run's [start, end) window. Safe for concurrent use: the controller's
// main loop is the sole writer in this design (spec.md §5), but reads may
// come from status-export or metrics goroutines.
type Manager struct {
	mu    sync.RWMutex
	sets  map[types.ImageSetNumber]*types.ImageSet
	start types.ImageSetNumber
	end   types.ImageSetNumber // exclusive
	store measurements.Store   // nil in tests that don't exercise persistence
}

// NewManager creates a manager for the half-open window [start, end).
// Every image set in the window starts Unprocessed. Status is not
// persisted anywhere; use NewManagerWithStore to seed from and persist
// to a measurements store across runs.
func NewManager(start, end types.ImageSetNumber) *Manager {
	return NewManagerWithStore(start, end, nil)
}

// NewManagerWithStore creates a manager for the half-open window
// [start, end), seeding each image set's initial status from store's
// persisted ProcessingStatus field (Done persists, everything else
// starts Unprocessed) and persisting future Done transitions back to
// store via MarkDone, so a later non-overwrite rerun can skip
// already-Done image sets (spec.md §3's Data Model invariant).
func NewManagerWithStore(start, end types.ImageSetNumber, store measurements.Store) *Manager {
	m := &Manager{
		sets:  make(map[types.ImageSetNumber]*types.ImageSet, int(end-start)),
		start: start,
		end:   end,
		store: store,
	}
	for n := start; n < end; n++ {
		status := types.Unprocessed
		if store != nil {
			if v, ok := store.Read("Image", processingStatusKey, int(n)); ok && v == types.Done.String() {
				status = types.Done
			}
		}
		m.sets[n] = &types.ImageSet{Number: n, Status: status}
	}
	return m
}

// Window returns the [start, end) bounds this manager was created with.
func (m *Manager) Window() (start, end types.ImageSetNumber) {
	return m.start, m.end
}

// ResetForRun applies spec.md §4.2 step 4: each image set becomes
// Unprocessed if overwrite is set, if missing reports it has no
// persisted processing-status record in the backing measurements
// store, or if its current status isn't Done. missing(n) should
// consult the measurements store's recorded ProcessingStatus for image
// set n, not an unrelated field such as Group_Number.
func (m *Manager) ResetForRun(overwrite bool, missing func(types.ImageSetNumber) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for n, set := range m.sets {
		if overwrite || missing(n) || set.Status != types.Done {
			set.Status = types.Unprocessed
		}
	}
}

// SetGrouping records the group number/index pair the controller assigned
// (or found) for an image set.
func (m *Manager) SetGrouping(n types.ImageSetNumber, groupNumber, groupIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sets[n]; ok {
		set.GroupNumber = groupNumber
		set.GroupIndex = groupIndex
	}
}

// Get returns a copy of the image set's current record.
func (m *Manager) Get(n types.ImageSetNumber) (types.ImageSet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[n]
	if !ok {
		return types.ImageSet{}, false
	}
	return *set, true
}

// MarkInProcess transitions the given image sets to InProcess. Per
// spec.md's drain ordering, this must never run after MarkDone for the
// same image set within one controller loop iteration — callers are
// responsible for draining returns before dispatches.
func (m *Manager) MarkInProcess(ns []types.ImageSetNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range ns {
		if set, ok := m.sets[n]; ok && set.Status != types.Done {
			set.Status = types.InProcess
		}
	}
}

// MarkDone transitions the given image sets to Done. Done always wins:
// it is never overwritten back to InProcess by a stale dispatch notice.
// When this Manager was constructed with a store, the Done status is
// also persisted under ProcessingStatus so a later non-overwrite rerun
// can skip these image sets (spec.md §3).
func (m *Manager) MarkDone(ns []types.ImageSetNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range ns {
		if set, ok := m.sets[n]; ok {
			set.Status = types.Done
			if m.store != nil {
				m.store.Write("Image", processingStatusKey, int(n), types.Done.String())
			}
		}
	}
}

// Counts tallies status across the manager's window.
func (m *Manager) Counts() types.StatusCounts {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var c types.StatusCounts
	for _, set := range m.sets {
		switch set.Status {
		case types.Unprocessed:
			c.Unprocessed++
		case types.InProcess:
			c.InProcess++
		case types.Done:
			c.Done++
		}
	}
	return c
}

// Remaining reports whether any image set still needs dispatch or is
// in flight (spec.md §4.2 step 7 termination check: InProcess+Unprocessed
// == 0 means done).
func (m *Manager) Remaining() int {
	c := m.Counts()
	return c.InProcess + c.Unprocessed
}

// GroupBuckets buckets Unprocessed image sets by group number, each
// bucket ordered by group index ascending, and the buckets themselves
// ordered by group number ascending (spec.md §4.2 step 5's "ascending
// group number" tie-break). Iterates every key present rather than
// collapsing to the last one seen (the bug spec.md §9 flags).
func (m *Manager) GroupBuckets() []types.Group {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byGroup := make(map[int][]*types.ImageSet)
	for _, set := range m.sets {
		if set.Status == types.Done {
			continue
		}
		byGroup[set.GroupNumber] = append(byGroup[set.GroupNumber], set)
	}

	groupNumbers := make([]int, 0, len(byGroup))
	for gn := range byGroup {
		groupNumbers = append(groupNumbers, gn)
	}
	sort.Ints(groupNumbers)

	groups := make([]types.Group, 0, len(groupNumbers))
	for _, gn := range groupNumbers {
		members := byGroup[gn]
		sort.Slice(members, func(i, j int) bool { return members[i].GroupIndex < members[j].GroupIndex })
		sets := make([]types.ImageSetNumber, len(members))
		for i, s := range members {
			sets[i] = s.Number
		}
		groups = append(groups, types.Group{Number: types.ImageSetNumber(gn), Sets: sets})
	}
	return groups
}

// UnprocessedInOrder returns every Unprocessed image set, ascending.
func (m *Manager) UnprocessedInOrder() []types.ImageSetNumber {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ImageSetNumber, 0, len(m.sets))
	for _, set := range m.sets {
		if set.Status == types.Unprocessed {
			out = append(out, set.Number)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

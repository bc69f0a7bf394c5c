package chorekeeper

import "testing"

// mkview builds a process-tree view from (pid, ppid, majFaults, rssPages)
// tuples.
func mkview(t *testing.T, rows ...[4]int) map[int]*procSample {
	t.Helper()
	view := make(map[int]*procSample, len(rows))
	for _, r := range rows {
		view[r[0]] = &procSample{
			pid:       r[0],
			ppid:      r[1],
			majFaults: uint64(r[2]),
			rssPages:  uint64(r[3]),
		}
	}
	return view
}

func TestRollup_DescendantsFoldIntoManagedRoot(t *testing.T) {
	const selfPID = 100

	// 200 is a managed root (its parent is the supervisor). 201 and 202 form
	// a chain below it; 300 is a second root with one child; 1 is unrelated.
	view := mkview(t,
		[4]int{1, 0, 9, 50},
		[4]int{200, selfPID, 1, 100},
		[4]int{201, 200, 2, 10},
		[4]int{202, 201, 4, 20},
		[4]int{300, selfPID, 0, 500},
		[4]int{301, 300, 8, 30},
	)
	rollup(view, selfPID)

	if got := view[200].rssPages; got != 130 {
		t.Errorf("root 200 rssPages = %d, want 130", got)
	}
	if got := view[200].majFaults; got != 7 {
		t.Errorf("root 200 majFaults = %d, want 7", got)
	}
	if got := view[300].rssPages; got != 530 {
		t.Errorf("root 300 rssPages = %d, want 530", got)
	}
	// Intermediate nodes keep their pristine sampled values.
	if got := view[201].rssPages; got != 10 {
		t.Errorf("intermediate 201 rssPages = %d, want 10", got)
	}
	// Unrelated roots are left alone.
	if got := view[1].rssPages; got != 50 {
		t.Errorf("root 1 rssPages = %d, want 50", got)
	}
}

func TestRollup_MissingParentHaltsWalk(t *testing.T) {
	const selfPID = 100

	// 400's parent 999 was never sampled (exited mid-scan): 400 becomes its
	// own attribution root rather than being dropped or misattributed.
	view := mkview(t,
		[4]int{400, 999, 3, 40},
		[4]int{401, 400, 1, 5},
	)
	rollup(view, selfPID)

	if got := view[400].rssPages; got != 45 {
		t.Errorf("orphan root 400 rssPages = %d, want 45", got)
	}
}

func TestRollup_ToleratesPPIDCycles(t *testing.T) {
	const selfPID = 100

	// A malformed view where two samples claim each other as parent must not
	// hang the walk.
	view := mkview(t,
		[4]int{500, 501, 0, 10},
		[4]int{501, 500, 0, 20},
	)
	rollup(view, selfPID) // must terminate
}

type fakeProc struct {
	pid      int
	capacity Capacity
	rss      uint64
	faults   uint64
}

func (p *fakeProc) PID() int                   { return p.pid }
func (p *fakeProc) SetCurrentRSS(pages uint64) { p.rss = pages }
func (p *fakeProc) SetPageFaults(count uint64) { p.faults = count }
func (p *fakeProc) CurrentRSS() uint64         { return p.rss }
func (p *fakeProc) RecentPageFaults() uint64   { return p.faults }
func (p *fakeProc) Capacity() Capacity         { return p.capacity }

// Compile-time check that the test double satisfies the keeper's view of a
// managed process.
var _ Process = (*fakeProc)(nil)

func TestWriteback(t *testing.T) {
	const selfPID = 100
	view := mkview(t,
		[4]int{200, selfPID, 6, 100},
		[4]int{201, 200, 4, 25},
	)
	rollup(view, selfPID)

	alive := &fakeProc{pid: 200, rss: 1, faults: 1}
	dead := &fakeProc{pid: 999, rss: 77, faults: 77}
	writeback(view, []Process{alive, dead})

	if alive.rss != 125 || alive.faults != 10 {
		t.Errorf("alive: rss=%d faults=%d, want rss=125 faults=10", alive.rss, alive.faults)
	}
	// A process absent from this cycle's view gets zeros, never stale data.
	if dead.rss != 0 || dead.faults != 0 {
		t.Errorf("dead: rss=%d faults=%d, want zeros", dead.rss, dead.faults)
	}
}

package chorekeeper

// rollup folds every sample's RSS and major-fault counters into its
// attribution root: the nearest ancestor that is a root of the tree or whose
// parent is the supervisor itself. After rollup, a managed process's entry in
// the view carries the totals for its whole descendant tree.
//
// Only root entries are ever written, and the walk follows ppid links, so
// mutating totals mid-iteration cannot corrupt another sample's walk: a node
// either satisfies the halting condition (and only receives) or does not (and
// only contributes its pristine sampled values).
func rollup(view map[int]*procSample, selfPID int) {
	for _, s := range view {
		root := attributionRoot(view, s, selfPID)
		if root.pid != s.pid {
			root.rssPages += s.rssPages
			root.majFaults += s.majFaults
		}
	}
}

// attributionRoot walks the ppid chain inside the view starting at s and
// returns the first node at which the walk halts: pid zero, ppid zero, ppid
// equal to the supervisor's own pid, or a parent absent from the view. The
// walk is iterative and bounded by the view size, so a malformed view with a
// ppid cycle cannot hang it.
func attributionRoot(view map[int]*procSample, s *procSample, selfPID int) *procSample {
	cur := s
	for steps := len(view); steps > 0; steps-- {
		if cur.pid == 0 || cur.ppid == 0 || cur.ppid == selfPID {
			return cur
		}
		parent, ok := view[cur.ppid]
		if !ok {
			return cur
		}
		cur = parent
	}
	return cur
}

// writeback pushes the rolled-up totals into the managed processes. A pid
// absent from this cycle's view (the process died) writes zeros: counters are
// never carried over from a previous cycle.
func writeback(view map[int]*procSample, procs []Process) {
	for _, p := range procs {
		if s, ok := view[p.PID()]; ok {
			p.SetCurrentRSS(s.rssPages)
			p.SetPageFaults(s.majFaults)
		} else {
			p.SetCurrentRSS(0)
			p.SetPageFaults(0)
		}
	}
}

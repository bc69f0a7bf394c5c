package chorekeeper

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// vmstatSample holds the three kernel counters the thrash detector consumes.
// The detector reads these as raw momentary levels, not deltas; the
// thresholds in detector.go are tuned for that.
type vmstatSample struct {
	// freePages is nr_free_pages: pages on the free lists right now.
	freePages uint64

	// majorFaults is pgmajfault: cumulative major page faults.
	majorFaults uint64

	// pagesOut is pgpgout: cumulative pages written out, swap or otherwise.
	pagesOut uint64
}

// readVMStat parses the vmstat file at path. Unrecognized lines are skipped
// and missing counters stay zero. A recognized counter with a non-integer
// value invalidates the whole read: the zero sample is returned, which the
// detector treats as "no signal" and never mistakes for thrashing. The same
// holds when the file cannot be opened.
func readVMStat(path string) vmstatSample {
	f, err := os.Open(path)
	if err != nil {
		return vmstatSample{}
	}
	defer f.Close()

	var s vmstatSample
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}

		var dst *uint64
		switch fields[0] {
		case "nr_free_pages":
			dst = &s.freePages
		case "pgmajfault":
			dst = &s.majorFaults
		case "pgpgout":
			dst = &s.pagesOut
		default:
			continue
		}

		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return vmstatSample{}
		}
		*dst = v
	}
	return s
}

// procSample is one process's snapshot parsed from its stat file. Samples
// live for a single cycle; a record with any unparsable required field is
// dropped whole, never inserted with zeroed fields.
type procSample struct {
	pid  int
	ppid int

	// majFaults is the sum of the process's own major faults and those of
	// its waited-for children (stat fields 12 and 13).
	majFaults uint64

	// rssPages is the resident set size in pages (stat field 24).
	rssPages uint64
}

// scanProcs enumerates procDir and parses the stat file of every entry that
// looks like a PID directory, returning the per-cycle process-tree view keyed
// by pid. Entries that vanish mid-scan or fail to parse are skipped silently.
//
// Failure to enumerate procDir itself returns an error wrapping
// ErrProcEnumeration: if the process directory is gone, the keeper's basic
// assumption about its environment no longer holds.
func scanProcs(procDir string) (map[int]*procSample, error) {
	entries, err := os.ReadDir(procDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrProcEnumeration, procDir, err)
	}

	view := make(map[int]*procSample, len(entries))
	for _, e := range entries {
		name := e.Name()
		// Cheap PID-directory filter: procfs process entries are all-digit
		// names, everything else ("vmstat", "sys", ...) ends in a letter.
		if c := name[len(name)-1]; c < '0' || c > '9' {
			continue
		}

		line, err := os.ReadFile(filepath.Join(procDir, name, "stat"))
		if err != nil {
			// The process exited between ReadDir and here.
			continue
		}
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}

		s, ok := parseStatLine(line)
		if !ok {
			continue
		}
		view[s.pid] = s
	}
	return view, nil
}

// Required stat fields, 1-based as in proc(5).
const (
	statFieldPID     = 1
	statFieldPPID    = 4
	statFieldMajFlt  = 12
	statFieldCMajFlt = 13
	statFieldRSS     = 24
)

// parseStatLine extracts pid, ppid, majflt+cmajflt, and rss from one stat
// line. Field 2 is the executable name in parentheses; it may contain spaces
// and escaped right parens, so it cannot be tokenized as-is. Every byte from
// the first '(' through the last ')' is overwritten with the digit '0' —
// the name collapses into a single numeric token that the positional
// extraction below never looks at, and the field count stays canonical.
//
// ok is false when the line is truncated before a required field or a
// required field is not an integer; callers drop such records entirely.
func parseStatLine(line []byte) (s *procSample, ok bool) {
	b := bytes.Clone(line)
	if l := bytes.IndexByte(b, '('); l >= 0 {
		r := bytes.LastIndexByte(b, ')')
		if r < l {
			return nil, false
		}
		for i := l; i <= r; i++ {
			b[i] = '0'
		}
	}

	fields := strings.Fields(string(b))
	intField := func(n int) (int, bool) {
		if n > len(fields) {
			return 0, false
		}
		v, err := strconv.Atoi(fields[n-1])
		return v, err == nil
	}
	uintField := func(n int) (uint64, bool) {
		if n > len(fields) {
			return 0, false
		}
		v, err := strconv.ParseUint(fields[n-1], 10, 64)
		return v, err == nil
	}

	pid, ok := intField(statFieldPID)
	if !ok || pid < 1 {
		return nil, false
	}
	ppid, ok := intField(statFieldPPID)
	if !ok || ppid < 0 {
		return nil, false
	}
	majflt, ok := uintField(statFieldMajFlt)
	if !ok {
		return nil, false
	}
	cmajflt, ok := uintField(statFieldCMajFlt)
	if !ok {
		return nil, false
	}
	rss, ok := uintField(statFieldRSS)
	if !ok {
		return nil, false
	}

	return &procSample{
		pid:       pid,
		ppid:      ppid,
		majFaults: majflt + cmajflt,
		rssPages:  rss,
	}, true
}

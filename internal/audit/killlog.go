// Package audit provides the tamper-evident kill ledger of the nodee runner.
// Every chore-keeper kill is appended as a SHA-256 hash-chained JSON line, so
// an operator doing post-mortem forensics on a node can trust that the record
// of what was killed, when, and in what state has not been edited after the
// fact.
//
// # Hash chain
//
// The event_hash for entry N is computed as:
//
//	SHA-256( JSON({seq, ts, kill, prev_hash}) )
//
// where the JSON encoding of those four fields is treated as a canonical byte
// sequence. The genesis entry (seq=1) uses a prev_hash of 64 ASCII zero
// characters ("000...0").
//
// # Append semantics
//
// Each entry is encoded as a single JSON line terminated by '\n'. The
// underlying file is opened with os.O_APPEND | os.O_CREATE | os.O_WRONLY so
// that every write is appended atomically by the OS.
//
// # Thread safety
//
// Log is safe for concurrent use. A mutex serialises all Append calls to
// maintain a consistent sequence number and prev_hash.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the very first (genesis) entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// KillRecord describes one chore-keeper kill: which service died and what
// the keeper observed about it at selection time.
type KillRecord struct {
	// Service is the manifest name of the killed service.
	Service string `json:"service"`

	// PID is the process id that received SIGKILL.
	PID int `json:"pid"`

	// RSSPages is the rolled-up resident set size at selection time.
	RSSPages uint64 `json:"rss_pages"`

	// RecentPageFaults is the rolled-up major-fault counter at selection
	// time.
	RecentPageFaults uint64 `json:"recent_page_faults"`

	// Value is the service's declared worth.
	Value int `json:"value"`
}

// entry is the wire format for one ledger line.
type entry struct {
	Seq       int64      `json:"seq"`
	Timestamp time.Time  `json:"ts"`
	Kill      KillRecord `json:"kill"`
	PrevHash  string     `json:"prev_hash"`
	EventHash string     `json:"event_hash"`
}

// entryContent is the subset of entry fields that are hashed to produce
// EventHash. It deliberately excludes EventHash itself.
type entryContent struct {
	Seq       int64      `json:"seq"`
	Timestamp time.Time  `json:"ts"`
	Kill      KillRecord `json:"kill"`
	PrevHash  string     `json:"prev_hash"`
}

// Log is a tamper-evident, append-only kill ledger. Create one with Open; do
// not copy after first use.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the ledger at path and prepares it for appending.
// If the file already contains entries, Open reads them all to restore the
// current sequence number and prev_hash so the chain continues correctly
// across restarts. Returns an error if any existing entry is malformed or
// the existing chain is broken.
func Open(path string) (*Log, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		entries, err := Verify(path)
		if err != nil {
			return nil, err
		}
		if n := len(entries); n > 0 {
			prevHash = entries[n-1].EventHash
			seq = entries[n-1].Seq
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}

	return &Log{
		file:     f,
		prevHash: prevHash,
		seq:      seq,
	}, nil
}

// Append writes a new tamper-evident kill entry. It is safe to call from
// multiple goroutines.
//
// The returned Entry carries the assigned sequence number, timestamp, and
// hashes so callers can log chain metadata without re-reading the file.
func (l *Log) Append(kill KillRecord) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	ts := time.Now().UTC()
	prevHash := l.prevHash

	eventHash := hashContent(entryContent{
		Seq:       seq,
		Timestamp: ts,
		Kill:      kill,
		PrevHash:  prevHash,
	})

	line, err := json.Marshal(entry{
		Seq:       seq,
		Timestamp: ts,
		Kill:      kill,
		PrevHash:  prevHash,
		EventHash: eventHash,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq = seq
	l.prevHash = eventHash

	return Entry{
		Seq:       seq,
		Timestamp: ts,
		Kill:      kill,
		PrevHash:  prevHash,
		EventHash: eventHash,
	}, nil
}

// Close flushes any OS-level buffers and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Entry is the public representation of one ledger entry returned by Append
// and Verify.
type Entry struct {
	Seq       int64      `json:"seq"`
	Timestamp time.Time  `json:"ts"`
	Kill      KillRecord `json:"kill"`
	PrevHash  string     `json:"prev_hash"`
	EventHash string     `json:"event_hash"`
}

// Verify reads the ledger at path and checks the full hash chain. It returns
// the ordered entries on success, or the first chain error encountered. An
// empty file is valid and returns no entries.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed entry: %w", err)
		}

		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}

		computed := hashContent(entryContent{
			Seq:       e.Seq,
			Timestamp: e.Timestamp,
			Kill:      e.Kill,
			PrevHash:  e.PrevHash,
		})
		if computed != e.EventHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.EventHash, computed)
		}

		entries = append(entries, Entry{
			Seq:       e.Seq,
			Timestamp: e.Timestamp,
			Kill:      e.Kill,
			PrevHash:  e.PrevHash,
			EventHash: e.EventHash,
		})
		prevHash = e.EventHash
	}

	return entries, scanner.Err()
}

// hashContent computes the SHA-256 hex digest of the JSON-marshalled
// entryContent.
func hashContent(c entryContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		// entryContent fields are all JSON-serialisable; this is unreachable.
		panic(fmt.Sprintf("audit: marshal entryContent: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

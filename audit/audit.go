// Package audit implements the append-only, hash-chained log primitive
// shared by the capability, policy, and resource subsystems (spec §3,
// §6, §8). Every entry is a (timestamp_ns, kind, fields) tuple in
// strict append order; the chain's running blake2b checksum gives two
// runs with identical inputs a single comparable value standing in for
// "these logs are byte-identical" (§8 Determinism, §8 Audit totality).
package audit

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Entry is one record in an audit log. Fields carries the event's
// payload as stable string key/value pairs — deliberately untyped so
// every subsystem (capability, policy, resource) can share one log
// implementation instead of each rolling its own.
type Entry struct {
	Seq         uint64
	TimestampNs int64
	Kind        string
	Fields      map[string]string
	Checksum    [32]byte
}

// Log is an append-only, single-writer audit log. It is safe for
// concurrent readers while a single logical caller appends, matching
// the "kernel operations form a single total order" guarantee in §5 —
// the mutex exists to protect the slice and chain state, not to confer
// any genuine concurrency the substrate doesn't otherwise have.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	chain   [32]byte // checksum of the most recently appended entry
}

// New creates an empty audit log.
func New() *Log {
	return &Log{}
}

// Append records a new entry, chaining it to the prior checksum, and
// returns the stored copy (including its computed checksum).
func (l *Log) Append(timestampNs int64, kind string, fields map[string]string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:         uint64(len(l.entries)) + 1,
		TimestampNs: timestampNs,
		Kind:        kind,
		Fields:      fields,
	}
	e.Checksum = chain(l.chain, e)
	l.chain = e.Checksum
	l.entries = append(l.entries, e)
	return e
}

// Entries returns a snapshot of every appended entry, in append order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the number of appended entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Checksum returns the running chain checksum after the most recent
// append. Two logs built from identical (timestamp, kind, fields)
// sequences always agree on this value, and any divergence — a
// reordered, dropped, or altered entry — changes it.
func (l *Log) Checksum() [32]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain
}

// KindCounts tallies entries by Kind, used by tests asserting "exactly
// one Exhausted and one CancelledDueToExhaustion" style properties.
func (l *Log) KindCounts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range l.entries {
		counts[e.Kind]++
	}
	return counts
}

func chain(prev [32]byte, e Entry) [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 with a nil key never errors; a failure here means
		// the crypto/blake2b implementation itself is broken.
		panic(fmt.Sprintf("audit: blake2b init failed: %v", err))
	}
	h.Write(prev[:])

	var seqBuf, tsBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], e.Seq)
	binary.BigEndian.PutUint64(tsBuf[:], uint64(e.TimestampNs))
	h.Write(seqBuf[:])
	h.Write(tsBuf[:])
	h.Write([]byte(e.Kind))

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(e.Fields[k]))
		h.Write([]byte{0})
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

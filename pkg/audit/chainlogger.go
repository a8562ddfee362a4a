// Package audit keeps a tamper-evident, hash-chained trail of API requests.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultRetain = 1024

// genesisHash is the PreviousHash of the first entry in a chain.
var genesisHash = strings.Repeat("0", 64)

// LogEntry is a single link in the chain.
type LogEntry struct {
	Seq          uint64 `json:"seq"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

func (e *LogEntry) computeHash() string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strconv.FormatUint(e.Seq, 10), e.PreviousHash, e.Timestamp, e.Payload,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// ChainLogger appends entries whose hash covers the previous entry's hash,
// so editing or dropping any retained entry breaks VerifyChain.
type ChainLogger struct {
	mu      sync.Mutex
	seq     uint64
	prev    string
	entries []*LogEntry
	retain  int

	sink *slog.Logger
	now  func() time.Time
}

type Option func(*ChainLogger)

// WithSink mirrors every entry to l as an "audit_entry" record.
func WithSink(l *slog.Logger) Option {
	return func(c *ChainLogger) { c.sink = l }
}

// WithRetain bounds how many recent entries stay in memory.
func WithRetain(n int) Option {
	return func(c *ChainLogger) {
		if n > 0 {
			c.retain = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *ChainLogger) { c.now = now }
}

// NewChainLogger creates an empty chain.
func NewChainLogger(opts ...Option) *ChainLogger {
	c := &ChainLogger{
		prev:   genesisHash,
		retain: defaultRetain,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append adds payload to the chain and returns the new entry.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	entry := &LogEntry{
		Seq:          c.seq,
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.prev,
		Payload:      payload,
	}
	entry.Hash = entry.computeHash()
	c.prev = entry.Hash

	c.entries = append(c.entries, entry)
	if len(c.entries) > c.retain {
		c.entries = c.entries[len(c.entries)-c.retain:]
	}

	if c.sink != nil {
		c.sink.Info("audit_entry",
			"seq", entry.Seq,
			"hash", entry.Hash,
			"previous_hash", entry.PreviousHash,
			"payload", entry.Payload,
		)
	}
	return entry
}

// Entries returns copies of the retained entries, oldest first.
func (c *ChainLogger) Entries() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]LogEntry, len(c.entries))
	for i, e := range c.entries {
		out[i] = *e
	}
	return out
}

// Head returns the hash of the latest entry.
func (c *ChainLogger) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prev
}

// VerifyChain checks that entries form an unbroken chain. The first entry
// may start mid-chain; a chain starting at Seq 1 must start from the
// genesis hash.
func VerifyChain(entries []LogEntry) error {
	for i := range entries {
		e := &entries[i]
		if i == 0 {
			if e.Seq == 1 && e.PreviousHash != genesisHash {
				return fmt.Errorf("entry %d: chain does not start at genesis", e.Seq)
			}
		} else {
			prev := &entries[i-1]
			if e.Seq != prev.Seq+1 {
				return fmt.Errorf("entry %d: expected sequence %d", e.Seq, prev.Seq+1)
			}
			if e.PreviousHash != prev.Hash {
				return fmt.Errorf("entry %d: previous hash does not match entry %d", e.Seq, prev.Seq)
			}
		}
		if e.computeHash() != e.Hash {
			return fmt.Errorf("entry %d: hash mismatch", e.Seq)
		}
	}
	return nil
}

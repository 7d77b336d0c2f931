// Package audit provides a tamper-evident, append-only log of experiment
// lifecycle events received by the dashboard: each entry carries the
// SHA-256 of its predecessor, so an operator can later prove no event
// was edited after ingestion.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// GenesisHash is the prev_hash recorded for the first entry in a new log:
// 64 ASCII zeros, the same width as a hex-encoded SHA-256 sum.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

type entryContent struct {
	Seq      int64           `json:"seq"`
	TS       int64           `json:"ts"`
	Payload  json.RawMessage `json:"payload"`
	PrevHash string          `json:"prev_hash"`
}

type entry struct {
	entryContent
	EventHash string `json:"event_hash"`
}

// Entry is a validated, replayed log record.
type Entry struct {
	Seq       int64
	TS        int64
	Payload   json.RawMessage
	PrevHash  string
	EventHash string
}

// Logger appends hash-chained entries to a JSON-lines file on disk.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the log at path, replaying any existing entries
// to restore the chain state and validating every existing link.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}

	l := &Logger{file: f, prevHash: GenesisHash, seq: 0}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			f.Close()
			return nil, fmt.Errorf("audit: corrupt entry at seq %d: %w", l.seq+1, err)
		}
		if e.PrevHash != l.prevHash {
			f.Close()
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %s, got %s", e.Seq, l.prevHash, e.PrevHash)
		}
		want := hashContent(e.entryContent)
		if want != e.EventHash {
			f.Close()
			return nil, fmt.Errorf("audit: hash mismatch at seq %d", e.Seq)
		}
		l.seq = e.Seq
		l.prevHash = e.EventHash
	}
	if err := sc.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: scan %q: %w", path, err)
	}

	return l, nil
}

// Append hashes and appends payload as the next chain entry.
func (l *Logger) Append(ts int64, payload json.RawMessage) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	content := entryContent{
		Seq:      l.seq + 1,
		TS:       ts,
		Payload:  payload,
		PrevHash: l.prevHash,
	}
	hash := hashContent(content)
	e := entry{entryContent: content, EventHash: hash}

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq = content.Seq
	l.prevHash = hash

	return Entry{Seq: content.Seq, TS: content.TS, Payload: content.Payload, PrevHash: content.PrevHash, EventHash: hash}, nil
}

// Close syncs and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify independently replays the log at path, validating every link and
// returning the full, ordered entry list.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	defer f.Close()

	var out []Entry
	prevHash := GenesisHash

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: corrupt entry at seq %d: %w", len(out)+1, err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d", e.Seq)
		}
		if hashContent(e.entryContent) != e.EventHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d", e.Seq)
		}
		out = append(out, Entry{Seq: e.Seq, TS: e.TS, Payload: e.Payload, PrevHash: e.PrevHash, EventHash: e.EventHash})
		prevHash = e.EventHash
	}
	return out, sc.Err()
}

func hashContent(c entryContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("audit: marshal content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

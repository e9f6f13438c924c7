// Package journal appends every executed statement to a write-ahead log so
// translations can be replayed and audited.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tidwall/wal"
)

type Journal struct {
	log  *wal.Log
	path string
	mu   sync.Mutex
}

type Entry struct {
	Time   time.Time `json:"time"`
	Index  string    `json:"index"`
	Query  string    `json:"query"`
	TookMS int64     `json:"took_ms"`
	Error  string    `json:"error,omitempty"`
}

// Open opens or creates the journal at path. With syncWrites every append
// is fsynced.
func Open(path string, syncWrites bool) (*Journal, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	opts := *wal.DefaultOptions
	opts.NoSync = !syncWrites
	opts.LogFormat = wal.JSON
	log, err := wal.Open(path, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{log: log, path: path}, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.log.Close()
}

func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	lastIndex, err := j.log.LastIndex()
	if err != nil {
		return err
	}
	return j.log.Write(lastIndex+1, data)
}

// Replay calls fn for every entry in append order. Entries that cannot be
// decoded are skipped.
func (j *Journal) Replay(fn func(seq uint64, e Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	lastIndex, err := j.log.LastIndex()
	if err != nil {
		return err
	}
	if lastIndex == 0 {
		return nil
	}
	firstIndex, err := j.log.FirstIndex()
	if err != nil {
		return err
	}

	for i := firstIndex; i <= lastIndex; i++ {
		data, err := j.log.Read(i)
		if err != nil {
			return err
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		if err := fn(i, e); err != nil {
			return err
		}
	}
	return nil
}

// Truncate drops every entry before seq.
func (j *Journal) Truncate(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.log.TruncateFront(seq)
}

// Retain keeps the newest keep entries and drops the rest. keep <= 0 keeps
// everything. It returns how many entries were dropped.
func (j *Journal) Retain(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	j.mu.Lock()
	first, err := j.log.FirstIndex()
	if err != nil {
		j.mu.Unlock()
		return 0, err
	}
	last, err := j.log.LastIndex()
	j.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if last == 0 || last-first+1 <= uint64(keep) {
		return 0, nil
	}
	seq := last - uint64(keep) + 1
	if err := j.Truncate(seq); err != nil {
		return 0, fmt.Errorf("failed to retain %d journal entries: %w", keep, err)
	}
	return int(seq - first), nil
}

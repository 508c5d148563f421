package journal

// ============================================================================
// Event journal
// Responsibilities:
// 1. Append every published bus event to a JSON-lines file (append-only)
// 2. Replay the file with checksum verification
// 3. Rotate after an archive point
// 4. Buffer appends and flush on size, interval or explicit request
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// File is the subset of *os.File the journal writes through.
type File interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Entry is one journal record.
type Entry struct {
	Seq       uint64      `json:"seq"`
	Event     types.Event `json:"event"`
	Timestamp int64       `json:"timestamp"` // unix millis at append time
	Checksum  uint32      `json:"checksum"`
}

// Handler consumes entries during Replay.
type Handler func(entry Entry) error

// Options tune buffering. Zero values select defaults.
type Options struct {
	BufferSize    int
	FlushInterval time.Duration
	SyncOnAppend  bool
}

// Journal is an append-only log of bus events.
type Journal struct {
	mu      sync.Mutex
	file    File
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool
	opts    Options

	buffer        []Entry
	lastFlushTime time.Time
}

// Open creates or reopens the journal at path. An existing file resumes its
// sequence from the last readable entry.
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := LastEntry(path)
		if err == nil && last != nil {
			seq = last.Seq
		}
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Entry, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append records ev. The entry may sit in the buffer until the next flush
// unless SyncOnAppend is set.
func (j *Journal) Append(ev types.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	entry := Entry{
		Seq:       j.seq,
		Event:     ev,
		Timestamp: time.Now().UnixMilli(),
	}
	entry.Checksum = Checksum(entry)
	j.buffer = append(j.buffer, entry)

	if j.opts.SyncOnAppend ||
		len(j.buffer) >= j.opts.BufferSize ||
		time.Since(j.lastFlushTime) > j.opts.FlushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush writes buffered entries and syncs the file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Replay reads the journal from the start and hands each verified entry to
// handler. The first checksum mismatch or handler error stops the replay.
func (j *Journal) Replay(handler Handler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.closed {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	return replayFile(j.path, handler)
}

func replayFile(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if !Verify(entry) {
			return &ChecksumError{Seq: entry.Seq, Expected: Checksum(entry), Actual: entry.Checksum}
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	return nil
}

// Rotate archives the current file with a timestamp suffix and starts a new
// one. The sequence restarts at zero.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}

	archive := j.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(j.path, archive); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	j.file = file
	j.encoder = json.NewEncoder(file)
	j.seq = 0
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return nil
}

// Close flushes and closes the file. A closed journal cannot be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	j.closed = true
	return j.file.Close()
}

// LastSeq returns the sequence number of the newest appended entry.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// flushLocked assumes j.mu is held.
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, entry := range j.buffer {
		if err := j.encoder.Encode(entry); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

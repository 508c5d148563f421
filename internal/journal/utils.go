package journal

// ============================================================================
// Journal utilities
// Read-only helpers used by Open and the `fleet events` command.
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// LastEntry scans the file and returns the last decodable entry.
// An empty file yields ErrEmpty.
func LastEntry(path string) (*Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Entry
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			break
		}
		last = &entry
	}
	if last == nil {
		return nil, ErrEmpty
	}
	return last, nil
}

// Count returns the number of verified entries in the file.
func Count(path string) (int, error) {
	n := 0
	err := replayFile(path, func(Entry) error {
		n++
		return nil
	})
	return n, err
}

// Dump writes one human-readable line per entry to w. When topic is not
// empty only entries on that topic are printed.
func Dump(path, topic string, w io.Writer) (int, error) {
	n := 0
	err := replayFile(path, func(entry Entry) error {
		if topic != "" && entry.Event.Topic != topic {
			return nil
		}
		n++
		_, err := fmt.Fprintf(w, "%6d  %s  %-18s %-18s key=%s id=%s\n",
			entry.Seq,
			time.UnixMilli(entry.Timestamp).Format(time.RFC3339),
			entry.Event.Topic,
			entry.Event.Type,
			entry.Event.PartitionKey,
			entry.Event.ID)
		return err
	})
	return n, err
}

// Validate checks checksums and that sequence numbers are contiguous.
func Validate(path string) error {
	var lastSeq uint64
	return replayFile(path, func(entry Entry) error {
		if entry.Seq != lastSeq+1 {
			return fmt.Errorf("%w: seq gap after %d (got %d)", ErrCorrupted, lastSeq, entry.Seq)
		}
		lastSeq = entry.Seq
		return nil
	})
}

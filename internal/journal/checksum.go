package journal

import (
	"hash/crc32"
	"strconv"
)

// Checksum computes the CRC32-IEEE of the entry's identity fields: sequence,
// event id, topic, event type and partition key. Timestamps are excluded.
func Checksum(entry Entry) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(entry.Seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(entry.Event.ID))
	h.Write([]byte{0})
	h.Write([]byte(entry.Event.Topic))
	h.Write([]byte{0})
	h.Write([]byte(entry.Event.Type))
	h.Write([]byte{0})
	h.Write([]byte(entry.Event.PartitionKey))
	return h.Sum32()
}

// Verify reports whether the stored checksum matches.
func Verify(entry Entry) bool {
	return entry.Checksum == Checksum(entry)
}

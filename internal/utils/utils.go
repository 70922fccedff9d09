package utils

import (
	"fmt"
	"hash/crc32"
	"sync/atomic"
	"time"
)

var table = crc32.MakeTable(crc32.IEEE)

// ContentHash returns a CRC32 hash of the data, used to skip file events that
// do not change a record.
func ContentHash(data []byte) string {
	return fmt.Sprintf("%08x", crc32.Checksum(data, table))
}

var clientSeq atomic.Uint64

// NewClientID generates a process-unique ID for a connected client.
func NewClientID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), clientSeq.Add(1))
}

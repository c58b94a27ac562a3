// Package memory provides pooled buffers for the snapshot fan-out hot path.
// Per-tick frame batches are marshaled at tick rate for every room; pooling
// the encode buffers keeps that path allocation-flat.
package memory

import (
	"bytes"
	"sync"
)

var (
	// JSONBufferPool provides reusable byte buffers for JSON marshaling,
	// pre-sized for typical snapshot batch sizes
	JSONBufferPool = sync.Pool{
		New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, 4096))
		},
	}
)

// GetJSONBuffer retrieves a pooled byte buffer, reset and ready for use.
// Must call PutJSONBuffer when done.
func GetJSONBuffer() *bytes.Buffer {
	buf := JSONBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutJSONBuffer returns a byte buffer to the pool for reuse
func PutJSONBuffer(buf *bytes.Buffer) {
	// Oversized buffers are left to the GC rather than pinned in the pool
	if buf.Cap() > 65536 {
		return
	}
	JSONBufferPool.Put(buf)
}

package pool

import "sync"

// Scratch buffer size thresholds, mirroring the bucketed sync.Pool shape
// used by the teacher's queue buffer pool: three buckets of 4KiB, 16KiB and
// 64KiB. Requests above 64KiB are allocated fresh and not pooled. The
// extractor accumulates messages in its own buffer and does not use these
// scratch buffers.
const (
	scratch4k  = 4 * 1024
	scratch16k = 16 * 1024
	scratch64k = 64 * 1024
)

var scratchPool = struct {
	p4k  sync.Pool
	p16k sync.Pool
	p64k sync.Pool
}{
	p4k:  sync.Pool{New: func() any { b := make([]byte, scratch4k); return &b }},
	p16k: sync.Pool{New: func() any { b := make([]byte, scratch16k); return &b }},
	p64k: sync.Pool{New: func() any { b := make([]byte, scratch64k); return &b }},
}

// GetScratch returns a reusable buffer of at least size bytes for
// accumulating a partially-read message. Callers must call PutScratch when
// the message has been copied into a pool slot (or discarded on a framing
// error).
func GetScratch(size int) []byte {
	switch {
	case size <= scratch4k:
		return (*scratchPool.p4k.Get().(*[]byte))[:size]
	case size <= scratch16k:
		return (*scratchPool.p16k.Get().(*[]byte))[:size]
	case size <= scratch64k:
		return (*scratchPool.p64k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutScratch returns a scratch buffer obtained from GetScratch.
func PutScratch(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case scratch4k:
		scratchPool.p4k.Put(&buf)
	case scratch16k:
		scratchPool.p16k.Put(&buf)
	case scratch64k:
		scratchPool.p64k.Put(&buf)
	}
}

// Package usblog implements the optional USB wire logger (spec §6
// "usb_logging_path": "enabling writes RX (and optionally TX) bytes with
// monotonic timestamps"). Spec leaves the on-disk record format
// unspecified; this package picks one binary framing (direction byte,
// 8-byte monotonic nanosecond timestamp, 4-byte length, payload) and
// documents it as a judgment call rather than inventing an undocumented
// text format.
//
// The monotonic clock comes from github.com/agilira/go-timecache's cached
// clock rather than repeated time.Now() calls, since this logger sits on
// the producer's hot path (every USB chunk, potentially many per
// millisecond) and a cached monotonic read avoids a syscall per chunk.
package usblog

import (
	"bufio"
	"encoding/binary"
	"os"
	"sync"
	"time"

	timecache "github.com/agilira/go-timecache"
)

// Direction tags a logged chunk as inbound (from the device) or outbound
// (sent by the protocol engine).
type Direction byte

const (
	DirectionRX Direction = 0
	DirectionTX Direction = 1
)

// Logger appends framed (direction, timestamp, length, payload) records to
// a file. The zero value is not usable; construct with New.
type Logger struct {
	includeTX bool
	clock     *timecache.TimeCache

	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// New opens path for append and starts a millisecond-resolution cached
// clock. includeTX controls whether LogTX actually writes anything.
func New(path string, includeTX bool) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Logger{
		includeTX: includeTX,
		clock:     timecache.NewWithResolution(time.Millisecond),
		f:         f,
		w:         bufio.NewWriter(f),
	}, nil
}

// LogRX records an inbound USB chunk. Never returns an error to the
// producer's hot path; write failures are ignored (the
// caller has no sane recovery action short of disabling logging entirely,
// which is an operator decision, not this call's to make).
func (l *Logger) LogRX(p []byte) {
	l.write(DirectionRX, p)
}

// LogTX records an outgoing protocol frame, if includeTX was set at
// construction.
func (l *Logger) LogTX(p []byte) {
	if !l.includeTX {
		return
	}
	l.write(DirectionTX, p)
}

func (l *Logger) write(dir Direction, p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var hdr [13]byte
	hdr[0] = byte(dir)
	binary.LittleEndian.PutUint64(hdr[1:9], uint64(l.clock.CachedTime().UnixNano()))
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(p)))
	l.w.Write(hdr[:])
	l.w.Write(p)
}

// Close flushes buffered records, stops the cached clock, and closes the
// file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock.Stop()
	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

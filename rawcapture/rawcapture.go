// Package rawcapture implements emergency RED-level raw USB capture (spec
// §6 "Raw capture (file)"): a binary file opened when the emergency FSM
// enters EmergencyRed, holding a JSON header line followed by the verbatim
// USB byte stream, closed when the FSM steps back down.
//
// Grounded on internal/logging's single-writer-behind-a-mutex file output
// shape; the format itself (JSON header line, then raw bytes) comes
// straight from spec §6.
package rawcapture

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer captures raw USB bytes to disk while armed. Safe for concurrent
// Write calls from the producer and Arm/Disarm calls from the emergency FSM
// transition handler.
type Writer struct {
	dir string

	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	active bool
}

// New constructs a Writer that creates capture files under dir.
func New(dir string) *Writer {
	return &Writer{dir: dir}
}

// Arm opens a new capture file named "raw-capture-<ISO-8601>.bin" and writes
// its JSON header line. now is passed in rather than read internally so
// callers control the stamped timestamp.
func (w *Writer) Arm(now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active {
		return nil
	}

	stamp := now.UTC().Format("2006-01-02T15-04-05.000Z")
	path := filepath.Join(w.dir, fmt.Sprintf("raw-capture-%s.bin", stamp))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("rawcapture: open %s: %w", path, err)
	}

	header := fmt.Sprintf(`{"version":"1.0","startTime":%q,"mode":"emergency-raw-capture"}`+"\n", now.UTC().Format(time.RFC3339Nano))
	bw := bufio.NewWriter(f)
	if _, err := bw.WriteString(header); err != nil {
		f.Close()
		return err
	}

	w.file = f
	w.w = bw
	w.active = true
	return nil
}

// Write appends p to the open capture file. A no-op when not armed so the
// producer's hot path never has to check Armed() itself.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return len(p), nil
	}
	return w.w.Write(p)
}

// Armed reports whether a capture file is currently open.
func (w *Writer) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Disarm flushes and closes the current capture file, if any.
func (w *Writer) Disarm() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return nil
	}
	w.active = false
	if err := w.w.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

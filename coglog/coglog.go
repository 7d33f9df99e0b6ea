// Package coglog implements per-COG log export (spec §6 "COG log export"):
// a router.Destination for pool.KindCogMessage that appends each COG's
// messages to a sibling file of the main log, writing the header/statistics/
// trailer framing on Close.
//
// Grounded on internal/logging's file-output plumbing (a plain *os.File
// behind a buffered writer, flushed and closed in one place) rather than
// inventing a new file-handling convention for this one destination.
package coglog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/parallax-p2/p2pipe/internal/perrors"
	"github.com/parallax-p2/p2pipe/pool"
)

// cogFile tracks one COG's export state: whether anything has been written
// yet (spec: "Empty COGs are skipped") and the running statistics spec's
// header block names (count, first/last message time).
type cogFile struct {
	mu    sync.Mutex
	path  string
	w     *bufio.Writer
	f     *os.File
	count int
	first time.Time
	last  time.Time
	lines []string
}

// Exporter is a router.Destination that appends pool.KindCogMessage
// messages to per-COG log files, named "<basename>-cog<N>.log" as spec §6
// requires, and writes the header/statistics/trailer framing lazily: a COG
// with zero messages never creates a file at all.
type Exporter struct {
	pool     *pool.Pool
	basename string

	mu    sync.Mutex
	files map[int]*cogFile
}

// New constructs an Exporter reading completed messages from p. mainLogPath
// is the main log file's path; each COG's export file is named
// "<basename>-cog<N>.log" alongside it, where basename strips mainLogPath's
// extension.
func New(p *pool.Pool, mainLogPath string) *Exporter {
	base := strings.TrimSuffix(mainLogPath, filepath.Ext(mainLogPath))
	return &Exporter{
		pool:     p,
		basename: base,
		files:    make(map[int]*cogFile),
	}
}

func (e *Exporter) Name() string { return "cog-log-exporter" }

// Handle appends id's message to its COG's log file, lazily creating it on
// first write, and releases the slot's share exactly once as router.
// Destination requires. On a write error it returns the error without
// releasing, leaving the release to the router.
func (e *Exporter) Handle(id pool.SlotID) error {
	view, err := e.pool.Get(id)
	if err != nil {
		return perrors.Wrap("coglog.Handle", perrors.CodePoolAccounting, err)
	}
	text := string(view.Data)
	if writeErr := e.writeLine(view.CogIndex, text, view.ArrivalTime); writeErr != nil {
		return writeErr
	}
	return e.pool.Release(id)
}

func (e *Exporter) writeLine(cogIndex int, text string, when time.Time) error {
	cf := e.fileFor(cogIndex)
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if cf.count == 0 {
		f, err := os.OpenFile(cf.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return perrors.Wrap("coglog.writeLine", perrors.CodeIO, err)
		}
		cf.f = f
		cf.w = bufio.NewWriter(f)
		cf.first = when
	}
	cf.count++
	cf.last = when
	cf.lines = append(cf.lines, text)
	_, err := cf.w.WriteString(text + "\n")
	return err
}

func (e *Exporter) fileFor(cogIndex int) *cogFile {
	e.mu.Lock()
	defer e.mu.Unlock()
	cf, ok := e.files[cogIndex]
	if !ok {
		cf = &cogFile{path: fmt.Sprintf("%s-cog%d.log", e.basename, cogIndex)}
		e.files[cogIndex] = cf
	}
	return cf
}

// Close writes the header/statistics/trailer framing for every COG that
// received at least one message and closes its file. COGs with zero
// messages never had a file opened, satisfying spec §6's "Empty COGs are
// skipped".
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for cogIndex, cf := range e.files {
		cf.mu.Lock()
		if cf.count == 0 {
			cf.mu.Unlock()
			continue
		}
		header := fmt.Sprintf(
			"%s\nCOG %d log (main log: %s)\n%s\n",
			strings.Repeat("=", 60), cogIndex, e.basename, strings.Repeat("=", 60),
		)
		stats := fmt.Sprintf(
			"messages: %d\nfirst: %s\nlast: %s\n%s\n",
			cf.count, cf.first.Format(time.RFC3339Nano), cf.last.Format(time.RFC3339Nano), strings.Repeat("-", 60),
		)
		trailer := fmt.Sprintf("%s\nend of COG %d log\n", strings.Repeat("=", 60), cogIndex)

		if err := prependAndTrailer(cf.w, cf.f, header, stats, trailer); err != nil && firstErr == nil {
			firstErr = err
		}
		cf.mu.Unlock()
	}
	return firstErr
}

// prependAndTrailer flushes the buffered message body, then rewrites the
// file with header+stats in front and the trailer appended, since the
// header/statistics block is only knowable after every message has been
// seen.
func prependAndTrailer(w *bufio.Writer, f *os.File, header, stats, trailer string) error {
	if err := w.Flush(); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	body, err := os.ReadFile(f.Name())
	if err != nil {
		return err
	}
	full := header + stats + string(body) + trailer
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(full), 0); err != nil {
		return err
	}
	return f.Close()
}

// Package paging converts an unbounded stream of job output into bounded,
// uploadable page files (spec.md §4.5). Each PagingLogger owns one sequence
// of pages under a diagnostic directory, tagged with a (timelineID,
// timelineRecordID) pair and handed to a JobServerQueue exactly once per
// page, in the order the pages are closed.
//
// A PagingLogger is not safe for concurrent Write calls — the executor
// serializes writes per logger instance, same as the teacher's connection
// manager serializes sends on a single log stream per job (spec.md §5).
package paging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/distbuild/agent/internal/agentserver"
)

// MaxPageBytes is the size threshold that triggers a page rollover.
const MaxPageBytes = 8 * 1024 * 1024 // 8 MiB

const (
	artifactType = "DistributedTask.Core.Log"
	artifactName = "CustomToolLog"

	groupMarker    = "##[group]"
	endGroupMarker = "##[endgroup]"
)

// PagingLogger writes timestamped lines to size-bounded page files and
// enqueues each finished page to a JobServerQueue.
type PagingLogger struct {
	diagDir string
	pageID  uuid.UUID
	queue   agentserver.JobServerQueue
	logger  *zap.Logger

	// once guards End/Dispose so the underlying writer is released and
	// nulled exactly once no matter how many times either is called, in
	// any order — the "once-guard" replacement for duplicate-dispose
	// defense that spec.md §9 asks for.
	once sync.Once

	timelineID      uuid.UUID
	timelineRecord  uuid.UUID
	pageNumber      int
	currentFile     *os.File
	currentBytes    int
	totalLines      int64
	inGroup         bool
}

// New creates a PagingLogger that writes pages under
// <diagDir>/pages/<pageID>_<n>.log and hands closed pages to queue.
func New(diagDir string, queue agentserver.JobServerQueue, logger *zap.Logger) *PagingLogger {
	return &PagingLogger{
		diagDir: diagDir,
		pageID:  uuid.New(),
		queue:   queue,
		logger:  logger.Named("paging"),
	}
}

// Setup associates subsequent writes with the given timeline and record.
// Safe to call again mid-stream if the executor moves to a new record,
// though in practice one PagingLogger instance is used per timeline record
// (spec.md §5).
func (p *PagingLogger) Setup(timelineID, timelineRecordID uuid.UUID) {
	p.timelineID = timelineID
	p.timelineRecord = timelineRecordID
}

// TotalLines returns the cumulative line count across all pages written so
// far by this logger, including the current open page.
func (p *PagingLogger) TotalLines() int64 {
	return p.totalLines
}

// Write formats message as "<ISO-8601 UTC> <message>\n" and appends it to
// the current page, opening the first page lazily if none is open yet.
// TotalLines increments by one for the call plus one for each embedded '\n'
// in message. A message containing "##[group]" opens a group; the matching
// "##[endgroup]" closes it and decrements TotalLines by one, because the
// console renders the pair as a single empty line. An unmatched
// "##[endgroup]" is counted as an ordinary line.
func (p *PagingLogger) Write(message string) error {
	line := formatLine(message)

	if p.currentFile == nil {
		if err := p.openPage(); err != nil {
			return err
		}
	}

	n := len(line)
	if p.currentBytes > 0 && p.currentBytes+n > MaxPageBytes {
		if err := p.rollover(); err != nil {
			return err
		}
	}

	if _, err := p.currentFile.WriteString(line); err != nil {
		return fmt.Errorf("paging: failed to write line: %w", err)
	}
	p.currentBytes += n

	p.countLine(message)

	return nil
}

func (p *PagingLogger) countLine(message string) {
	switch {
	case strings.Contains(message, groupMarker):
		p.inGroup = true
		p.totalLines++
	case strings.Contains(message, endGroupMarker) && p.inGroup:
		// The call's own increment and the one-line decrement cancel out:
		// the group/endgroup pair renders as one line.
		p.inGroup = false
	default:
		p.totalLines++
	}
	p.totalLines += int64(strings.Count(message, "\n"))
}

func formatLine(message string) string {
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(message)
	b.WriteByte('\n')
	return b.String()
}

func (p *PagingLogger) pagesDir() string {
	return filepath.Join(p.diagDir, "pages")
}

func (p *PagingLogger) pagePath(n int) string {
	return filepath.Join(p.pagesDir(), fmt.Sprintf("%s_%d.log", p.pageID, n))
}

func (p *PagingLogger) openPage() error {
	if err := os.MkdirAll(p.pagesDir(), 0o750); err != nil {
		return fmt.Errorf("paging: failed to create pages directory: %w", err)
	}
	p.pageNumber++
	f, err := os.OpenFile(p.pagePath(p.pageNumber), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("paging: failed to open page file: %w", err)
	}
	p.currentFile = f
	p.currentBytes = 0
	return nil
}

// rollover closes the current page, enqueues it for upload, and opens the
// next one.
func (p *PagingLogger) rollover() error {
	if err := p.closeCurrentPage(); err != nil {
		return err
	}
	return p.openPage()
}

func (p *PagingLogger) closeCurrentPage() error {
	if p.currentFile == nil {
		return nil
	}
	path := p.currentFile.Name()

	if err := closeSwallowingBadDescriptor(p.currentFile); err != nil {
		p.currentFile = nil
		return err
	}
	p.currentFile = nil

	if p.queue != nil {
		if err := p.queue.QueueFileUpload(p.timelineID, p.timelineRecord, artifactType, artifactName, path, true); err != nil {
			p.logger.Warn("failed to queue page for upload",
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}
	return nil
}

// closeSwallowingBadDescriptor closes f, swallowing "file already closed"
// and "bad file descriptor" errors — these occur only when End and Dispose
// race on the same underlying *os.File, which the once-guard above already
// prevents for a single PagingLogger instance. The swallow remains as
// defense in depth against the platform-specific error text spec.md §9
// flags as fragile.
func closeSwallowingBadDescriptor(f *os.File) error {
	err := f.Close()
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "already closed") || strings.Contains(msg, "bad file descriptor") {
		return nil
	}
	return fmt.Errorf("paging: failed to close page file: %w", err)
}

// End closes the current page, if any, and enqueues it. Idempotent with
// Dispose: calling either any number of times, in any order, enqueues each
// page at most once.
func (p *PagingLogger) End() error {
	var err error
	p.once.Do(func() {
		err = p.closeCurrentPage()
	})
	return err
}

// Dispose is an alias for End, matching the Close/Dispose duality of
// spec.md §4.5. Both are safe to call in any order, any number of times.
func (p *PagingLogger) Dispose() error {
	return p.End()
}

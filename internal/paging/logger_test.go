package paging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type fakeQueue struct {
	uploads []upload
}

type upload struct {
	timelineID, recordID uuid.UUID
	artifactType, name, path string
	deleteSource              bool
}

func (q *fakeQueue) QueueFileUpload(timelineID, recordID uuid.UUID, artifactType, name, path string, deleteSourceOnUpload bool) error {
	q.uploads = append(q.uploads, upload{timelineID, recordID, artifactType, name, path, deleteSourceOnUpload})
	return nil
}

func newTestLogger(t *testing.T) (*PagingLogger, *fakeQueue, string) {
	t.Helper()
	dir := t.TempDir()
	q := &fakeQueue{}
	l := New(dir, q, zap.NewNop())
	l.Setup(uuid.New(), uuid.New())
	return l, q, dir
}

func TestWriteOpensPageLazily(t *testing.T) {
	t.Parallel()

	l, _, dir := newTestLogger(t)
	if l.currentFile != nil {
		t.Fatal("expected no page open before first Write")
	}
	if err := l.Write("hello"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if l.currentFile == nil {
		t.Fatal("expected a page to be open after first Write")
	}

	pagesDir := filepath.Join(dir, "pages")
	entries, err := os.ReadDir(pagesDir)
	if err != nil {
		t.Fatalf("failed to read pages dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 page file, got %d", len(entries))
	}
	if !strings.HasSuffix(entries[0].Name(), "_1.log") {
		t.Fatalf("expected page file to end with _1.log, got %q", entries[0].Name())
	}
}

func TestWriteFormatsLineWithTimestamp(t *testing.T) {
	t.Parallel()

	l, _, dir := newTestLogger(t)
	if err := l.Write("a message"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := l.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "pages"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected exactly one page file, got %v (err=%v)", entries, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "pages", entries[0].Name()))
	if err != nil {
		t.Fatalf("failed to read page file: %v", err)
	}

	line := string(data)
	if !strings.HasSuffix(line, "a message\n") {
		t.Fatalf("expected line to end with the message and a newline, got %q", line)
	}
	if !strings.Contains(line, "T") || !strings.Contains(line, "Z") {
		t.Fatalf("expected an RFC3339 UTC timestamp prefix, got %q", line)
	}
}

func TestGroupEndGroupCountsAsOneLine(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLogger(t)
	if err := l.Write("##[group]Step 1"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := l.Write("##[endgroup]"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := l.TotalLines(); got != 1 {
		t.Fatalf("expected TotalLines() == 1 for matched group/endgroup, got %d", got)
	}
}

func TestUnmatchedEndGroupCountsAsNormalLine(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLogger(t)
	if err := l.Write("##[endgroup]"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := l.TotalLines(); got != 1 {
		t.Fatalf("expected unmatched ##[endgroup] to count as 1 line, got %d", got)
	}
}

func TestEmbeddedNewlinesIncrementTotalLines(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLogger(t)
	if err := l.Write("line one\nline two\nline three"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// 1 for the call + 2 embedded newlines = 3
	if got := l.TotalLines(); got != 3 {
		t.Fatalf("expected TotalLines() == 3, got %d", got)
	}
}

func TestRolloverAtByteThresholdEnqueuesEachPageOnce(t *testing.T) {
	t.Parallel()

	l, q, _ := newTestLogger(t)

	line := strings.Repeat("x", 10*1024) // 10 KiB payload per line
	for i := 0; i < 1000; i++ {
		if err := l.Write(line); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}
	if err := l.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	if got := l.TotalLines(); got != 1000 {
		t.Fatalf("expected TotalLines() == 1000, got %d", got)
	}
	if len(q.uploads) != 2 {
		t.Fatalf("expected 2 pages enqueued for ~10MB of 10KiB lines under an 8MiB threshold, got %d", len(q.uploads))
	}
	for _, u := range q.uploads {
		if u.artifactType != artifactType || u.name != artifactName || !u.deleteSource {
			t.Fatalf("unexpected upload descriptor: %+v", u)
		}
	}
}

func TestEndThenDisposeEnqueuesPageExactlyOnce(t *testing.T) {
	t.Parallel()

	l, q, _ := newTestLogger(t)
	if err := l.Write("only line"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := l.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := l.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if err := l.End(); err != nil {
		t.Fatalf("second End failed: %v", err)
	}

	if len(q.uploads) != 1 {
		t.Fatalf("expected exactly one upload across End/Dispose/End, got %d", len(q.uploads))
	}
}

func TestDisposeBeforeAnyWriteIsSafe(t *testing.T) {
	t.Parallel()

	l, q, _ := newTestLogger(t)
	if err := l.Dispose(); err != nil {
		t.Fatalf("Dispose on an empty logger failed: %v", err)
	}
	if len(q.uploads) != 0 {
		t.Fatalf("expected no uploads for a logger that never wrote anything, got %d", len(q.uploads))
	}
}

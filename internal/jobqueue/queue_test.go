package jobqueue

import (
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestQueueFileUploadLogsAndNeverErrors(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	q := New(zap.New(core))

	err := q.QueueFileUpload(uuid.New(), uuid.New(), "DistributedTask.Core.Log", "CustomToolLog", "/tmp/page_1.log", true)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got := logs.Len(); got != 1 {
		t.Fatalf("expected exactly one log entry, got %d", got)
	}
}

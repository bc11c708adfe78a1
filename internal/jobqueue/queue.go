// Package jobqueue is a minimal agentserver.JobServerQueue: the real upload
// queue is the job executor's concern and spec.md §1 puts it out of scope,
// so this is the simplest concrete thing that lets cmd/agent wire a
// PagingLogger end to end — it logs what it would have uploaded instead of
// shipping the file anywhere.
package jobqueue

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LoggingQueue records queued uploads through a zap.Logger.
type LoggingQueue struct {
	logger *zap.Logger
}

// New creates a LoggingQueue.
func New(logger *zap.Logger) *LoggingQueue {
	return &LoggingQueue{logger: logger.Named("jobqueue")}
}

func (q *LoggingQueue) QueueFileUpload(timelineID, recordID uuid.UUID, artifactType, name, path string, deleteSourceOnUpload bool) error {
	q.logger.Info("page ready for upload",
		zap.String("timeline_id", timelineID.String()),
		zap.String("timeline_record_id", recordID.String()),
		zap.String("artifact_type", artifactType),
		zap.String("artifact_name", name),
		zap.String("path", path),
		zap.Bool("delete_source_on_upload", deleteSourceOnUpload),
	)
	return nil
}

package bulk

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogImporter is the default Importer wired when the surrounding product's
// table service is not attached: it records that the import happened and
// relies on the import guard for idempotency. The real importer creates
// tables and records from the preview.
type LogImporter struct {
	log *zap.Logger
}

func NewLogImporter(log *zap.Logger) *LogImporter {
	return &LogImporter{log: log}
}

func (l *LogImporter) Import(_ context.Context, bulkID uuid.UUID, preview *Preview) error {
	l.log.Info("import executed",
		zap.String("bulk_id", bulkID.String()),
		zap.Int("fields", len(preview.Fields)),
		zap.Int("rows", len(preview.Rows)),
		zap.Int("sources", preview.Sources),
	)
	return nil
}

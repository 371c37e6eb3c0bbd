package bulk

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dmdorta1111/gridbase-extract/internal/domain"
	"github.com/dmdorta1111/gridbase-extract/internal/extract"
	"github.com/dmdorta1111/gridbase-extract/internal/storage"
	"github.com/dmdorta1111/gridbase-extract/internal/worker"
)

// SubmitFile describes one file of a bulk submission.
type SubmitFile struct {
	SourceRef string
	Filename  string
	Format    domain.Format
}

// FileStatus is the per-file snapshot exposed by Status.
type FileStatus struct {
	JobID      uuid.UUID     `json:"job_id"`
	Filename   string        `json:"filename"`
	Status     domain.Status `json:"status"`
	RetryCount int           `json:"retry_count"`
	LastError  *string       `json:"last_error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// StatusView is the aggregate plus per-file statuses, derived on read.
type StatusView struct {
	BulkID          uuid.UUID              `json:"bulk_id"`
	Aggregate       domain.AggregateStatus `json:"aggregate"`
	ContinueOnError bool                   `json:"continue_on_error"`
	Imported        bool                   `json:"imported"`
	Completed       int                    `json:"completed"`
	Failed          int                    `json:"failed"`
	Files           []FileStatus           `json:"files"`
}

// Preview is the read-only merged view of all completed members' results.
type Preview struct {
	Fields  []extract.FieldSuggestion `json:"fields"`
	Rows    []map[string]any          `json:"rows,omitempty"`
	Sources int                       `json:"sources"`
}

// Importer materializes a reviewed preview into the product's tables. It is
// an external collaborator; the orchestrator only guarantees it runs at most
// once per bulk id.
type Importer interface {
	Import(ctx context.Context, bulkID uuid.UUID, preview *Preview) error
}

type Orchestrator struct {
	jobs         storage.Store
	bulks        Store
	exec         *worker.Executor
	importer     Importer
	parallelism  int
	pollInterval time.Duration
	log          *zap.Logger
}

func NewOrchestrator(jobs storage.Store, bulks Store, exec *worker.Executor, importer Importer, parallelism int, log *zap.Logger) *Orchestrator {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Orchestrator{
		jobs:         jobs,
		bulks:        bulks,
		exec:         exec,
		importer:     importer,
		parallelism:  parallelism,
		pollInterval: 200 * time.Millisecond,
		log:          log,
	}
}

// Submit creates one pending job per file, all sharing a fresh correlation
// id, and records the bulk. It does not start processing; call Run.
func (o *Orchestrator) Submit(ctx context.Context, files []SubmitFile, continueOnError bool, maxRetries int) (Record, error) {
	if len(files) == 0 {
		return Record{}, errors.New("bulk submission requires at least one file")
	}
	bulkID := uuid.New()
	jobs := make([]*domain.Job, 0, len(files))
	jobIDs := make([]uuid.UUID, 0, len(files))
	for _, f := range files {
		id := uuid.New()
		bid := bulkID
		jobs = append(jobs, &domain.Job{
			ID:         id,
			BulkID:     &bid,
			SourceRef:  f.SourceRef,
			Filename:   f.Filename,
			Format:     f.Format,
			Status:     domain.StatusPending,
			MaxRetries: maxRetries,
		})
		jobIDs = append(jobIDs, id)
	}
	if err := o.jobs.CreateJobs(ctx, jobs); err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:              bulkID,
		JobIDs:          jobIDs,
		ContinueOnError: continueOnError,
		CreatedAt:       time.Now().UTC(),
	}
	if err := o.bulks.Put(ctx, rec); err != nil {
		return Record{}, err
	}
	o.log.Info("bulk submitted",
		zap.String("bulk_id", bulkID.String()),
		zap.Int("files", len(files)),
		zap.Bool("continue_on_error", continueOnError),
	)
	return rec, nil
}

// Run drives every member job to a terminal state with bounded parallelism.
// Each slot claims its member through the same atomic protocol workers use,
// so an external worker pool racing on the same jobs is harmless: whoever
// claims first executes, and the loser just waits for the terminal state.
// With continue_on_error unset, the first member to fail cancels all
// still-pending siblings; members already processing finish cooperatively.
func (o *Orchestrator) Run(ctx context.Context, bulkID uuid.UUID) error {
	rec, err := o.bulks.Get(ctx, bulkID)
	if err != nil {
		return err
	}

	var halted atomic.Bool
	g := new(errgroup.Group)
	g.SetLimit(o.parallelism)
	for _, jobID := range rec.JobIDs {
		id := jobID
		g.Go(func() error {
			return o.runMember(ctx, rec, id, &halted)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	o.log.Info("bulk run finished", zap.String("bulk_id", bulkID.String()))
	return nil
}

func (o *Orchestrator) runMember(ctx context.Context, rec Record, id uuid.UUID, halted *atomic.Bool) error {
	workerID := "bulk-" + rec.ID.String()[:8]
	for {
		job, err := o.jobs.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			if job.Status == domain.StatusFailed && !rec.ContinueOnError && !halted.Swap(true) {
				o.cancelPending(ctx, rec, id)
			}
			return nil
		}
		now := time.Now().UTC()
		if job.Eligible(now) {
			claimed, ok, err := o.jobs.ClaimJob(ctx, id, workerID, now)
			if err != nil {
				return err
			}
			if ok {
				if err := o.exec.Execute(ctx, claimed, workerID); err != nil {
					return err
				}
				continue
			}
		}
		// Backoff window, or another worker holds the claim: poll.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.pollInterval):
		}
	}
}

func (o *Orchestrator) cancelPending(ctx context.Context, rec Record, failedID uuid.UUID) {
	o.log.Warn("cancelling pending siblings after failure",
		zap.String("bulk_id", rec.ID.String()),
		zap.String("failed_job_id", failedID.String()),
	)
	for _, id := range rec.JobIDs {
		if id == failedID {
			continue
		}
		job, err := o.jobs.GetJob(ctx, id)
		if err != nil || job.Status != domain.StatusPending {
			continue
		}
		if err := o.jobs.Cancel(ctx, id); err != nil && !errors.Is(err, storage.ErrConflict) {
			o.log.Warn("cancel sibling failed", zap.String("job_id", id.String()), zap.Error(err))
		}
	}
}

// Status derives the aggregate and per-file snapshots from current job rows.
func (o *Orchestrator) Status(ctx context.Context, bulkID uuid.UUID) (StatusView, error) {
	rec, err := o.bulks.Get(ctx, bulkID)
	if err != nil {
		return StatusView{}, err
	}
	jobs, err := o.memberJobs(ctx, rec)
	if err != nil {
		return StatusView{}, err
	}

	view := StatusView{
		BulkID:          bulkID,
		Aggregate:       domain.Aggregate(jobs),
		ContinueOnError: rec.ContinueOnError,
		Imported:        rec.Imported,
		Files:           make([]FileStatus, 0, len(jobs)),
	}
	for _, j := range jobs {
		switch j.Status {
		case domain.StatusCompleted:
			view.Completed++
		case domain.StatusFailed:
			view.Failed++
		}
		view.Files = append(view.Files, FileStatus{
			JobID:      j.ID,
			Filename:   j.Filename,
			Status:     j.Status,
			RetryCount: j.RetryCount,
			LastError:  j.LastError,
			UpdatedAt:  j.UpdatedAt,
		})
	}
	return view, nil
}

// Preview merges the result payloads of all completed members without
// mutating any job: field suggestions are unioned by name (highest
// confidence wins), rows are concatenated in member order.
func (o *Orchestrator) Preview(ctx context.Context, bulkID uuid.UUID) (*Preview, error) {
	rec, err := o.bulks.Get(ctx, bulkID)
	if err != nil {
		return nil, err
	}
	jobs, err := o.memberJobs(ctx, rec)
	if err != nil {
		return nil, err
	}

	merged := &Preview{}
	seen := make(map[string]int)
	for _, j := range jobs {
		if j.Status != domain.StatusCompleted || len(j.Result) == 0 {
			continue
		}
		var res extract.Result
		if err := json.Unmarshal(j.Result, &res); err != nil {
			return nil, errors.Wrapf(err, "decode result for job %s", j.ID)
		}
		merged.Sources++
		for _, f := range res.Fields {
			if i, ok := seen[f.Name]; ok {
				if f.Confidence > merged.Fields[i].Confidence {
					merged.Fields[i] = f
				}
				continue
			}
			seen[f.Name] = len(merged.Fields)
			merged.Fields = append(merged.Fields, f)
		}
		merged.Rows = append(merged.Rows, res.Rows...)
	}
	if merged.Sources == 0 {
		return nil, ErrNoResults
	}
	return merged, nil
}

// Import materializes the merged preview exactly once. The import guard is
// taken before the importer runs so two concurrent calls cannot both import;
// the loser observes ErrAlreadyImported.
func (o *Orchestrator) Import(ctx context.Context, bulkID uuid.UUID) error {
	preview, err := o.Preview(ctx, bulkID)
	if err != nil {
		return err
	}
	if err := o.bulks.MarkImported(ctx, bulkID); err != nil {
		return err
	}
	if err := o.importer.Import(ctx, bulkID, preview); err != nil {
		return errors.Wrap(err, "import bulk")
	}
	o.log.Info("bulk imported",
		zap.String("bulk_id", bulkID.String()),
		zap.Int("sources", preview.Sources),
		zap.Int("fields", len(preview.Fields)),
	)
	return nil
}

func (o *Orchestrator) memberJobs(ctx context.Context, rec Record) ([]domain.Job, error) {
	listed, err := o.jobs.ListByBulk(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]domain.Job, len(listed))
	for _, j := range listed {
		byID[j.ID] = j
	}
	// Submission order, not created_at order: members of one bulk share a
	// creation timestamp.
	out := make([]domain.Job, 0, len(rec.JobIDs))
	for _, id := range rec.JobIDs {
		if j, ok := byID[id]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}

package querycore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JobStatus is the lifecycle state of an export job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobProgress tracks a running export
type JobProgress struct {
	RowsProcessed int64     `json:"rows_processed"`
	BytesWritten  int64     `json:"bytes_written"`
	LastUpdate    time.Time `json:"last_update"`
}

// ExportJob is the public view of one export. Manager methods return copies,
// so callers never observe a job mid-update.
type ExportJob struct {
	ID           string       `json:"job_id"`
	Format       ExportFormat `json:"format"`
	Filename     string       `json:"filename"`
	Status       JobStatus    `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    time.Time    `json:"started_at,omitempty"`
	CompletedAt  time.Time    `json:"completed_at,omitempty"`
	Progress     JobProgress  `json:"progress"`
	ErrorMessage string       `json:"error_message,omitempty"`
	ExpiresAt    time.Time    `json:"expires_at,omitempty"`
}

// ExportTemplate is a named format-plus-options preset
type ExportTemplate struct {
	Format  ExportFormat
	Options ExportOptions
}

// ExportRequest describes one export. Template settings apply first; any
// explicit Format or Options override them.
type ExportRequest struct {
	Format   ExportFormat
	Template string
	Filename string
	Options  *ExportOptions
}

// ExportManager runs exports in the background with bounded concurrency,
// tracks their progress, serves downloads, and expires old artifacts.
type ExportManager struct {
	store     ArtifactStore
	workDir   string
	retention time.Duration
	sem       chan struct{}
	logger    Logger
	metrics   Metrics

	mu        sync.Mutex
	jobs      map[string]*ExportJob
	cancels   map[string]context.CancelFunc
	templates map[string]ExportTemplate
	closed    bool

	wg        sync.WaitGroup
	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewExportManager creates a manager building artifacts under cfg.ExportDir.
// A nil store defaults to a filesystem store in the same directory.
func NewExportManager(cfg Config, store ArtifactStore, logger Logger, metrics Metrics) (*ExportManager, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	workDir := filepath.Join(cfg.ExportDir, "work")
	if err := os.MkdirAll(workDir, DefaultDirPermissions); err != nil {
		return nil, WithContext(ErrExportFailed, map[string]interface{}{
			"op":     "init",
			"reason": err.Error(),
		})
	}

	if store == nil {
		fs, err := NewFSArtifactStore(cfg.ExportDir)
		if err != nil {
			return nil, err
		}
		store = fs
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentExport
	}
	retention := time.Duration(cfg.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = DefaultRetentionHours * time.Hour
	}

	return &ExportManager{
		store:     store,
		workDir:   workDir,
		retention: retention,
		sem:       make(chan struct{}, maxConcurrent),
		logger:    logger,
		metrics:   metrics,
		jobs:      make(map[string]*ExportJob),
		cancels:   make(map[string]context.CancelFunc),
		templates: make(map[string]ExportTemplate),
		sweepStop: make(chan struct{}),
	}, nil
}

// RegisterTemplate installs a named export preset
func (m *ExportManager) RegisterTemplate(name string, tpl ExportTemplate) {
	m.mu.Lock()
	m.templates[name] = tpl
	m.mu.Unlock()
}

// resolveRequest folds a template into the request
func (m *ExportManager) resolveRequest(req ExportRequest) (ExportFormat, ExportOptions, error) {
	var opts ExportOptions
	format := req.Format

	if req.Template != "" {
		m.mu.Lock()
		tpl, ok := m.templates[req.Template]
		m.mu.Unlock()
		if !ok {
			return "", opts, WithContext(ErrUnknownTemplate, map[string]interface{}{
				"template": req.Template,
			})
		}
		opts = tpl.Options
		if format == "" {
			format = tpl.Format
		}
	}
	if req.Options != nil {
		opts = mergeExportOptions(opts, *req.Options)
	}

	parsed, err := ParseFormat(string(format))
	if err != nil {
		return "", opts, err
	}
	return parsed, opts, nil
}

// mergeExportOptions overlays the request's set fields on the template's.
// Zero values mean "keep the template setting", so a request cannot unset a
// template flag, only add to it.
func mergeExportOptions(base, over ExportOptions) ExportOptions {
	if len(over.Columns) > 0 {
		base.Columns = over.Columns
	}
	if over.Delimiter != 0 {
		base.Delimiter = over.Delimiter
	}
	if over.Pretty {
		base.Pretty = true
	}
	if over.NoHeader {
		base.NoHeader = true
	}
	if over.SheetName != "" {
		base.SheetName = over.SheetName
	}
	return base
}

// Create registers an export job and starts it in the background. The
// returned snapshot shows the job as pending; poll Job for progress.
func (m *ExportManager) Create(ctx context.Context, iter RecordIterator, req ExportRequest) (ExportJob, error) {
	format, opts, err := m.resolveRequest(req)
	if err != nil {
		return ExportJob{}, err
	}

	id := NewJobID()
	filename := req.Filename
	if filename == "" {
		filename = id + format.FileExtension()
	}

	job := &ExportJob{
		ID:        id,
		Format:    format,
		Filename:  filename,
		Status:    JobPending,
		CreatedAt: time.Now(),
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return ExportJob{}, WithContext(ErrExportFailed, map[string]interface{}{
			"reason": "export manager closed",
		})
	}
	m.jobs[id] = job
	m.cancels[id] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.Increment(MetricExportJobs, "format", string(format))

	go m.run(jobCtx, id, iter, format, opts)

	return *job, nil
}

// run executes one job: wait for a slot, stream to a work file, then hand
// the finished artifact to the store.
func (m *ExportManager) run(ctx context.Context, id string, iter RecordIterator, format ExportFormat, opts ExportOptions) {
	defer m.wg.Done()

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		m.finish(id, JobCancelled, "")
		return
	}

	m.update(id, func(job *ExportJob) {
		job.Status = JobRunning
		job.StartedAt = time.Now()
	})

	workPath := filepath.Join(m.workDir, id+".part")
	rows, err := m.writeArtifact(ctx, workPath, iter, format, opts)
	if err != nil {
		os.Remove(workPath)
		if IsCancellation(err) || ctx.Err() != nil {
			m.logger.Info("export cancelled", "job_id", id, "rows", rows)
			m.finish(id, JobCancelled, "")
			return
		}
		m.logger.Error("export failed", "job_id", id, "error", err.Error())
		m.metrics.Increment(MetricExportFailed, "format", string(format))
		m.finish(id, JobFailed, err.Error())
		return
	}

	var filename string
	m.mu.Lock()
	if job, ok := m.jobs[id]; ok {
		filename = job.Filename
	}
	m.mu.Unlock()

	if err := m.publish(ctx, workPath, filename); err != nil {
		os.Remove(workPath)
		m.logger.Error("export publish failed", "job_id", id, "error", err.Error())
		m.metrics.Increment(MetricExportFailed, "format", string(format))
		m.finish(id, JobFailed, err.Error())
		return
	}
	os.Remove(workPath)

	m.metrics.Histogram(MetricExportRows, float64(rows), "format", string(format))
	m.logger.Info("export completed", "job_id", id, "rows", rows)
	m.finish(id, JobCompleted, "")
}

// writeArtifact streams the iterator through the format writer into path
func (m *ExportManager) writeArtifact(ctx context.Context, path string, iter RecordIterator, format ExportFormat, opts ExportOptions) (int64, error) {
	writer, err := WriterFor(format)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, DefaultFilePermissions)
	if err != nil {
		return 0, WithContext(ErrExportFailed, map[string]interface{}{
			"op":     "open_work_file",
			"reason": err.Error(),
		})
	}
	defer f.Close()

	id := filepath.Base(path)
	progress := func(rows, bytes int64) {
		m.update(jobIDFromWorkFile(id), func(job *ExportJob) {
			job.Progress.RowsProcessed = rows
			job.Progress.BytesWritten = bytes
			job.Progress.LastUpdate = time.Now()
		})
	}

	rows, err := writer.Write(f, &ctxIterator{ctx: ctx, inner: iter}, opts, progress)
	if err != nil {
		return rows, err
	}
	if err := f.Sync(); err != nil {
		return rows, WithContext(ErrExportFailed, map[string]interface{}{
			"op":     "sync",
			"reason": err.Error(),
		})
	}

	// Final progress update covers the tail under the reporting interval
	info, statErr := f.Stat()
	m.update(jobIDFromWorkFile(id), func(job *ExportJob) {
		job.Progress.RowsProcessed = rows
		if statErr == nil {
			job.Progress.BytesWritten = info.Size()
		}
		job.Progress.LastUpdate = time.Now()
	})
	if statErr == nil {
		m.metrics.Histogram(MetricExportBytes, float64(info.Size()), "format", string(format))
	}
	return rows, nil
}

// publish moves a finished work file into the artifact store
func (m *ExportManager) publish(ctx context.Context, workPath, filename string) error {
	f, err := os.Open(workPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.store.Put(ctx, filename, f)
}

// ctxIterator stops iteration when the job context ends, making
// cancellation cooperative at record granularity.
type ctxIterator struct {
	ctx   context.Context
	inner RecordIterator
}

func (it *ctxIterator) Next() (Record, error) {
	if err := it.ctx.Err(); err != nil {
		if err == context.Canceled {
			return nil, ErrQueryCancelled
		}
		return nil, ErrQueryTimeout
	}
	return it.inner.Next()
}

// update applies fn to a job under the lock
func (m *ExportManager) update(id string, fn func(*ExportJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		fn(job)
	}
}

// finish moves a job to a terminal state
func (m *ExportManager) finish(id string, status JobStatus, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	job.Status = status
	job.CompletedAt = time.Now()
	job.ErrorMessage = errMsg
	job.ExpiresAt = job.CompletedAt.Add(m.retention)
	delete(m.cancels, id)
}

// Job returns a snapshot of one job
func (m *ExportManager) Job(id string) (ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ExportJob{}, WithContext(ErrJobNotFound, map[string]interface{}{
			"job_id": id,
		})
	}
	return *job, nil
}

// Jobs returns snapshots of all known jobs
func (m *ExportManager) Jobs() []ExportJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ExportJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, *job)
	}
	return out
}

// Cancel requests cooperative cancellation of a running or pending job.
// Terminal jobs return the current state without error.
func (m *ExportManager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return WithContext(ErrJobNotFound, map[string]interface{}{
			"job_id": id,
		})
	}
	if cancel, ok := m.cancels[id]; ok {
		cancel()
	}
	return nil
}

// Download streams a completed job's artifact
func (m *ExportManager) Download(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return nil, 0, WithContext(ErrJobNotFound, map[string]interface{}{
			"job_id": id,
		})
	}
	status := job.Status
	filename := job.Filename
	m.mu.Unlock()

	if status != JobCompleted {
		return nil, 0, WithContext(ErrJobNotFound, map[string]interface{}{
			"job_id": id,
			"status": string(status),
			"reason": "artifact not available",
		})
	}

	rc, size, err := m.store.Open(ctx, filename)
	if err != nil {
		if os.IsNotExist(err) || IsNotFound(err) {
			return nil, 0, WithContext(ErrJobNotFound, map[string]interface{}{
				"job_id": id,
				"reason": "artifact expired or removed",
			})
		}
		return nil, 0, err
	}
	return rc, size, nil
}

// Sweep removes expired jobs and their artifacts, returning the count
func (m *ExportManager) Sweep(ctx context.Context) int {
	now := time.Now()

	m.mu.Lock()
	var expired []*ExportJob
	for _, job := range m.jobs {
		terminal := job.Status == JobCompleted || job.Status == JobFailed || job.Status == JobCancelled
		if terminal && !job.ExpiresAt.IsZero() && now.After(job.ExpiresAt) {
			expired = append(expired, job)
		}
	}
	for _, job := range expired {
		delete(m.jobs, job.ID)
	}
	m.mu.Unlock()

	for _, job := range expired {
		if err := m.store.Delete(ctx, job.Filename); err != nil {
			m.logger.Warn("failed to delete expired artifact",
				"job_id", job.ID, "error", err.Error())
		}
	}
	if len(expired) > 0 {
		m.metrics.Increment(MetricExportSwept)
		m.logger.Info("swept expired export jobs", "count", len(expired))
	}
	return len(expired)
}

// StartSweeper runs Sweep on an interval until Close. Safe to call once.
func (m *ExportManager) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	m.sweepOnce.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
					m.Sweep(ctx)
					cancel()
				case <-m.sweepStop:
					return
				}
			}
		}()
	})
}

// Close cancels running jobs and waits for them to wind down
func (m *ExportManager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	close(m.sweepStop)
	m.wg.Wait()
}

// jobIDFromWorkFile strips the .part suffix from a work file name
func jobIDFromWorkFile(name string) string {
	if ext := filepath.Ext(name); ext == ".part" {
		return name[:len(name)-len(ext)]
	}
	return name
}

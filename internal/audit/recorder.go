package audit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Recorder wraps the store with a bounded write timeout and a live Prometheus
// mirror. An unavailable audit sink never blocks the workflow critical path;
// the failure is logged as a local warning and the workflow proceeds.
type Recorder struct {
	store        *Store
	logger       *zap.Logger
	writeTimeout time.Duration

	opsTotal        *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec
	branchCreations prometheus.Counter
}

// NewRecorder creates a Recorder and registers its collectors with reg.
func NewRecorder(store *Store, logger *zap.Logger, writeTimeout time.Duration, reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		store:        store,
		logger:       logger,
		writeTimeout: writeTimeout,
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "branchflow",
			Name:      "operations_total",
			Help:      "Workflow operations by type and outcome.",
		}, []string{"operation", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "branchflow",
			Name:      "operation_duration_seconds",
			Help:      "Duration of workflow operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		branchCreations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "branchflow",
			Name:      "branch_creations_total",
			Help:      "Branches created by the engine.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.opsTotal, r.opDuration, r.branchCreations)
	}
	return r
}

// Record appends one audit entry. The write is bounded by the configured
// timeout; on failure a warning is logged and execution continues.
func (r *Recorder) Record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	r.opsTotal.WithLabelValues(entry.OperationType, entry.Outcome).Inc()
	r.opDuration.WithLabelValues(entry.OperationType).Observe(float64(entry.DurationMS) / 1000)
	if entry.OperationType == OpBranchCreate && entry.Outcome == OutcomeSuccess {
		r.branchCreations.Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.store.AppendEntry(ctx, entry); err != nil {
		r.logger.Warn("audit write failed, continuing",
			zap.String("operation", entry.OperationType),
			zap.String("task_id", entry.TaskID),
			zap.Error(err),
		)
	}
}

// SaveRecord persists the execution record and its status transition, bounded
// by the write timeout. Like Record, failure is a warning, not an error.
func (r *Recorder) SaveRecord(record ExecutionRecord, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.store.SaveRecord(ctx, record, detail); err != nil {
		r.logger.Warn("workflow record write failed, continuing",
			zap.String("workflow_id", record.ID),
			zap.String("status", record.Status),
			zap.Error(err),
		)
	}
}

// Query returns audit entries matching the filter.
func (r *Recorder) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	return r.store.Query(ctx, filter)
}

// Metrics aggregates matching entries into a snapshot.
func (r *Recorder) Metrics(ctx context.Context, filter QueryFilter) (MetricsSnapshot, error) {
	return r.store.Metrics(ctx, filter)
}

// GetRecord returns the execution record for a workflow run.
func (r *Recorder) GetRecord(ctx context.Context, workflowID string) (*ExecutionRecord, error) {
	return r.store.GetRecord(ctx, workflowID)
}

// GetHistory returns the status history of a workflow run.
func (r *Recorder) GetHistory(ctx context.Context, workflowID string) ([]StatusTransition, error) {
	return r.store.GetHistory(ctx, workflowID)
}

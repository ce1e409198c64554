package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"procodus.dev/biosync/internal/syncer"
	"procodus.dev/biosync/pkg/metrics"
	"procodus.dev/biosync/pkg/mq"
)

// SummaryPublisher hands every pass summary to the summary queue as JSON.
type SummaryPublisher struct {
	logger  *slog.Logger
	queue   mq.Queue
	metrics *metrics.BackendMetrics
}

var _ syncer.Publisher = (*SummaryPublisher)(nil)

// NewSummaryPublisher creates a publisher on queue. m is optional.
func NewSummaryPublisher(logger *slog.Logger, queue mq.Queue, m *metrics.BackendMetrics) (*SummaryPublisher, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	return &SummaryPublisher{
		logger:  logger.With("component", "publisher"),
		queue:   queue,
		metrics: m,
	}, nil
}

// PublishSummary implements syncer.Publisher.
func (p *SummaryPublisher) PublishSummary(ctx context.Context, s *syncer.Summary) error {
	if err := p.queue.PublishJSON(ctx, s); err != nil {
		p.count("error")
		return fmt.Errorf("publish summary %s: %w", s.ID, err)
	}
	p.count("success")
	p.logger.Debug("summary published", "pass_id", s.ID, "tenant_id", s.TenantID)
	return nil
}

func (p *SummaryPublisher) count(status string) {
	if p.metrics != nil {
		p.metrics.SummariesPublished.WithLabelValues(status).Inc()
	}
}

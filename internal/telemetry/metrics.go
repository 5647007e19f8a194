package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys for workflow events.
const (
	EntityTypeKey = attribute.Key("workflow.entity_type") // KPI | ACTUAL
	LevelKey      = attribute.Key("workflow.level")
	ProxiedKey    = attribute.Key("workflow.proxied")
)

// WorkflowMetrics counts approval-workflow transitions.
type WorkflowMetrics struct {
	Submitted metric.Int64Counter
	Approved  metric.Int64Counter
	Rejected  metric.Int64Counter
	Returned  metric.Int64Counter
	Conflicts metric.Int64Counter
}

func NewWorkflowMetrics(m metric.Meter) (*WorkflowMetrics, error) {
	var wm WorkflowMetrics
	var err error
	if wm.Submitted, err = m.Int64Counter("workflow.submitted", metric.WithDescription("entities submitted for approval")); err != nil {
		return nil, err
	}
	if wm.Approved, err = m.Int64Counter("workflow.approved", metric.WithDescription("approval decisions recorded")); err != nil {
		return nil, err
	}
	if wm.Rejected, err = m.Int64Counter("workflow.rejected", metric.WithDescription("rejection decisions recorded")); err != nil {
		return nil, err
	}
	if wm.Returned, err = m.Int64Counter("workflow.returned", metric.WithDescription("entities returned to staff")); err != nil {
		return nil, err
	}
	if wm.Conflicts, err = m.Int64Counter("workflow.conflicts", metric.WithDescription("stale decisions rejected by compare-and-swap")); err != nil {
		return nil, err
	}
	return &wm, nil
}

func (wm *WorkflowMetrics) CountSubmitted(ctx context.Context, entityType string) {
	if wm == nil {
		return
	}
	wm.Submitted.Add(ctx, 1, metric.WithAttributes(EntityTypeKey.String(entityType)))
}

func (wm *WorkflowMetrics) CountApproved(ctx context.Context, entityType string, level int, proxied bool) {
	if wm == nil {
		return
	}
	wm.Approved.Add(ctx, 1, metric.WithAttributes(EntityTypeKey.String(entityType), LevelKey.Int(level), ProxiedKey.Bool(proxied)))
}

func (wm *WorkflowMetrics) CountRejected(ctx context.Context, entityType string, level int, proxied bool) {
	if wm == nil {
		return
	}
	wm.Rejected.Add(ctx, 1, metric.WithAttributes(EntityTypeKey.String(entityType), LevelKey.Int(level), ProxiedKey.Bool(proxied)))
}

func (wm *WorkflowMetrics) CountReturned(ctx context.Context, entityType string) {
	if wm == nil {
		return
	}
	wm.Returned.Add(ctx, 1, metric.WithAttributes(EntityTypeKey.String(entityType)))
}

func (wm *WorkflowMetrics) CountConflict(ctx context.Context, entityType string) {
	if wm == nil {
		return
	}
	wm.Conflicts.Add(ctx, 1, metric.WithAttributes(EntityTypeKey.String(entityType)))
}

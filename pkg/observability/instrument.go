package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/jobs"
)

// InstrumentHandlers wraps each job handler so every dispatch produces a span
// and RED metrics keyed by job type.
func (p *Provider) InstrumentHandlers(handlers map[jobs.Type]jobs.Handler) map[jobs.Type]jobs.Handler {
	wrapped := make(map[jobs.Type]jobs.Handler, len(handlers))
	for t, h := range handlers {
		t, h := t, h
		wrapped[t] = func(ctx context.Context, job *jobs.Job) error {
			ctx, done := p.TrackJob(ctx, string(t),
				attribute.String("ecosign.document.id", job.EntityID),
				attribute.Int("ecosign.job.attempt", job.Attempts),
			)
			err := h(ctx, job)
			done(err)
			return err
		}
	}
	return wrapped
}

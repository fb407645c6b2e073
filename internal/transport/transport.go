package transport

import (
	"context"

	"github.com/yschiang/retry-herd-prevention/internal/model"
)

// Transport delivers one work item downstream and classifies the result.
// Implementations must bound each attempt with their configured timeout;
// a timeout surfaces as OutcomeTransportError.
type Transport interface {
	Send(ctx context.Context, item *model.WorkItem) model.Outcome
}

// Func adapts a function to the Transport interface, handy in tests.
type Func func(ctx context.Context, item *model.WorkItem) model.Outcome

func (f Func) Send(ctx context.Context, item *model.WorkItem) model.Outcome {
	return f(ctx, item)
}

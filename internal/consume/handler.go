package consume

import "context"

// Handler applies the business effect of a message. It returns nil on success,
// a *RecoverableError for failures worth retrying and a *FatalError for
// failures that must stop the partition. Unclassified errors are retried.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

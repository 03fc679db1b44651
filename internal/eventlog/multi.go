package eventlog

import (
	"context"
	"errors"

	"sync-service/internal/party"
)

type Sink interface {
	Record(ctx context.Context, rec party.EventRecord) error
}

// Multi writes every record to all sinks. One failing sink does not stop the others.
type Multi []Sink

func (m Multi) Record(ctx context.Context, rec party.EventRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

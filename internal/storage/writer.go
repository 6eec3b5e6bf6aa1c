package storage

import (
	"context"

	"github.com/aminovpavel/lorapipe/internal/decode"
)

// Writer is the minimal interface required by the pipeline to persist uplinks.
type Writer interface {
	Upsert(ctx context.Context, up decode.Uplink) (Outcome, error)
}

// NopWriter drops uplinks (useful for the smoke tool and tests).
type NopWriter struct{}

// Upsert implements Writer by reporting every uplink as inserted.
func (NopWriter) Upsert(_ context.Context, _ decode.Uplink) (Outcome, error) {
	return OutcomeInserted, nil
}

var _ Writer = (*Store)(nil)

package services

import (
	"context"
	"log/slog"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

// TriggerRegistry holds externally registered derivation triggers in
// registration order.
type TriggerRegistry struct {
	triggers []driven.Trigger
	logger   *slog.Logger
}

// NewTriggerRegistry creates an empty registry.
func NewTriggerRegistry(logger *slog.Logger) *TriggerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerRegistry{logger: logger}
}

// Register appends a trigger. Registration order is evaluation order.
func (r *TriggerRegistry) Register(t driven.Trigger) {
	r.triggers = append(r.triggers, t)
}

// Apply runs every trigger against its matching subset of the batch and
// unions the returned transactions. A failing trigger is logged and skipped;
// trigger errors never fail the batch.
func (r *TriggerRegistry) Apply(ctx context.Context, txes []*domain.Tx, tc *driven.TriggerControl) []*domain.Tx {
	var derived []*domain.Tx
	for _, trigger := range r.triggers {
		var matching []*domain.Tx
		for _, tx := range txes {
			if trigger.Matches(tx) {
				matching = append(matching, tx)
			}
		}
		if len(matching) == 0 {
			continue
		}
		out, err := trigger.Apply(ctx, matching, tc)
		if err != nil {
			r.logger.Error("trigger failed", "error", err)
			continue
		}
		derived = append(derived, out...)
	}
	return derived
}

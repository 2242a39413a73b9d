package reconcile

import (
	"context"
	"errors"
	"fmt"
)

// Loader reads the configuration and pending records of a claimed closure.
type Loader struct {
	store LoaderStore
}

// NewLoader constructs a Loader.
func NewLoader(store LoaderStore) *Loader {
	return &Loader{store: store}
}

// Load returns the closure batch. Records are ordered by id ascending. A missing
// configuration, or one without an inventory date, yields ErrConfigurationMissing.
func (l *Loader) Load(ctx context.Context, closureID int64) (Batch, error) {
	cfg, err := l.store.LoadConfig(ctx, closureID)
	if err != nil {
		if errors.Is(err, ErrConfigurationMissing) {
			return Batch{}, err
		}
		return Batch{}, fmt.Errorf("load closure %d config: %w", closureID, err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Batch{}, fmt.Errorf("%w: %s", ErrConfigurationMissing, describeValidation(err))
	}
	records, err := l.store.PendingAdjustments(ctx, closureID)
	if err != nil {
		return Batch{}, fmt.Errorf("load closure %d adjustments: %w", closureID, err)
	}
	return Batch{Config: cfg, Adjustments: records}, nil
}

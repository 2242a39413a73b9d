package reconcile

import (
	"context"
	"fmt"
	"strings"
)

// Gate splits records into inventory-tracked and untracked subsets.
type Gate struct {
	classifier Classifier
}

// NewGate constructs a Gate backed by classifier.
func NewGate(classifier Classifier) *Gate {
	return &Gate{classifier: classifier}
}

// Classify asks the classifier once per distinct item code and preserves the
// order of records in both subsets. A classifier that is also a Session must
// hold a live session, since the classification query answers "not tracked"
// without one.
func (g *Gate) Classify(ctx context.Context, records []Adjustment) (eligible, ineligible []Adjustment, err error) {
	if g == nil || g.classifier == nil {
		return nil, nil, ErrConnectorUnavailable
	}
	if session, ok := g.classifier.(Session); ok {
		if err := session.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("classify: %w", err)
		}
	}
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		code := strings.TrimSpace(rec.ItemCode)
		tracked, ok := seen[code]
		if !ok {
			if code != "" {
				tracked, err = g.classifier.IsInventoryItem(ctx, code)
				if err != nil {
					return nil, nil, fmt.Errorf("classify item %s: %w", code, err)
				}
			}
			seen[code] = tracked
		}
		if tracked {
			eligible = append(eligible, rec)
		} else {
			ineligible = append(ineligible, rec)
		}
	}
	return eligible, ineligible, nil
}

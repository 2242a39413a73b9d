package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Submitter turns one group into one SAP document.
type Submitter struct {
	creator DocumentCreator
}

// NewSubmitter constructs a Submitter backed by creator.
func NewSubmitter(creator DocumentCreator) *Submitter {
	return &Submitter{creator: creator}
}

// BuildRequest maps records of a single direction to a document request. Line
// order follows record order.
func BuildRequest(cfg ClosureConfig, dir Direction, records []Adjustment, comment string) DocumentRequest {
	lines := make([]Line, 0, len(records))
	account := cfg.AccountFor(dir)
	for _, rec := range records {
		lines = append(lines, Line{
			ItemCode:  rec.ItemCode,
			Warehouse: rec.Warehouse,
			Quantity:  rec.Quantity,
			Account:   account,
			Project:   cfg.Project,
		})
	}
	return DocumentRequest{
		Direction: dir,
		Date:      cfg.InventoryDate,
		Reference: DocumentReference,
		Comment:   comment,
		Lines:     lines,
	}
}

// Submit validates req and creates the document. It never retries.
func (s *Submitter) Submit(ctx context.Context, req DocumentRequest) (DocumentRef, error) {
	if s == nil || s.creator == nil {
		return DocumentRef{}, ErrConnectorUnavailable
	}
	if err := validate.Struct(req); err != nil {
		return DocumentRef{}, fmt.Errorf("reconcile: invalid document: %s", describeValidation(err))
	}
	res, err := s.creator.CreateDocument(ctx, req)
	if err != nil {
		return DocumentRef{}, err
	}
	return DocumentRef{Type: req.Direction.DocumentType(), Entry: res.Entry, Number: res.Number}, nil
}

// describeValidation reports the first failing field as "Namespace (tag)".
func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag())
	}
	return err.Error()
}

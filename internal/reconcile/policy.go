package reconcile

// IneligiblePolicy decides which message ineligible records get when a group has
// no inventory-tracked item at all.
type IneligiblePolicy int

const (
	// CollapseIneligible stores the group-level ErrNoEligibleItems message on every record.
	CollapseIneligible IneligiblePolicy = iota
	// KeepIneligibleReason keeps ReasonNotInventoryItem on each record.
	KeepIneligibleReason
)

// CommentPolicy decides which group members may supply the document comment.
type CommentPolicy int

const (
	// CommentFromAllMembers considers eligible and ineligible records alike.
	CommentFromAllMembers CommentPolicy = iota
	// CommentFromEligibleOnly ignores comments of records that are not submitted.
	CommentFromEligibleOnly
)

// Policy bundles the grouping decisions that are configurable per deployment.
type Policy struct {
	Ineligible IneligiblePolicy
	Comment    CommentPolicy
}

package engine

import "fmt"

// ConflictError reports a lost race on a conditional assignment write.
// Callers must not retry automatically; the lease is held elsewhere.
type ConflictError struct {
	WorkPackageID string
	HeldBy        string
}

func (e ConflictError) Error() string {
	if e.HeldBy != "" {
		return fmt.Sprintf("work package %s already claimed by %s", e.WorkPackageID, e.HeldBy)
	}
	return fmt.Sprintf("work package %s claim lost a concurrent race", e.WorkPackageID)
}

// NotOwnerError reports a release attempted by someone other than the
// current lease holder.
type NotOwnerError struct {
	WorkPackageID string
	Owner         string
}

func (e NotOwnerError) Error() string {
	return fmt.Sprintf("lease on work package %s is owned by %s", e.WorkPackageID, e.Owner)
}

// NotAssignedError reports an operation requiring an active lease when no
// active lease exists (includes releases on EXPIRED or RELEASED packages).
type NotAssignedError struct {
	WorkPackageID string
}

func (e NotAssignedError) Error() string {
	return fmt.Sprintf("work package %s has no active lease", e.WorkPackageID)
}

// NoScriptError reports a lock attempt with no script version ever created.
type NoScriptError struct {
	WorkPackageID string
}

func (e NoScriptError) Error() string {
	return fmt.Sprintf("work package %s has no script version", e.WorkPackageID)
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

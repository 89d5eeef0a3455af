package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"clipline/internal/config"
	"clipline/internal/domain"
	"clipline/internal/events"
	"clipline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// audit appends a lifecycle event best-effort. Write failures are logged and
// swallowed: audit is a diagnostic overlay, never part of the transition's
// error path.
func (e Engine) audit(ctx context.Context, entry events.Entry) {
	if err := e.Events.Append(ctx, entry); err != nil {
		e.logf("audit append failed type=%s wp=%s: %v", entry.Type, entry.WorkPackageID, err)
	}
}

// ContentHash is the deterministic digest over script content, computed at
// version creation and recomputed at lock time.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// WorkPackageCreateOptions are parameters for creating a work package.
type WorkPackageCreateOptions struct {
	ID            string
	Title         string
	Status        string
	ActorID       string
	CorrelationID string
}

func (e Engine) CreateWorkPackage(ctx context.Context, opts WorkPackageCreateOptions) (domain.WorkPackage, error) {
	if opts.Status == "" {
		opts.Status = "pending"
	}
	if !domain.ValidStatus(opts.Status) {
		return domain.WorkPackage{}, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %s", opts.Status)}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	wp := domain.WorkPackage{
		ID:              id,
		Title:           opts.Title,
		Status:          opts.Status,
		AssignmentState: domain.Unassigned,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertWorkPackage(ctx, wp); err != nil {
		return domain.WorkPackage{}, fmt.Errorf("insert work package: %w", err)
	}
	e.audit(ctx, events.Entry{
		Type:          "work_package_created",
		WorkPackageID: wp.ID,
		ActorID:       opts.ActorID,
		CorrelationID: opts.CorrelationID,
		ToState:       wp.AssignmentState,
		Payload:       events.EventPayload{"status": wp.Status, "title": wp.Title},
	})
	return wp, nil
}

// SetStatus mutates the pipeline status field on behalf of the surrounding
// components that own it. Assignment columns are never touched here.
func (e Engine) SetStatus(ctx context.Context, workPackageID, status, actorID, correlationID string) (domain.WorkPackage, error) {
	if !domain.ValidStatus(status) {
		return domain.WorkPackage{}, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %s", status)}
	}
	wp, err := e.Repo.GetWorkPackage(ctx, workPackageID)
	if err != nil {
		return domain.WorkPackage{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateWorkPackageStatus(ctx, workPackageID, status, now); err != nil {
		return domain.WorkPackage{}, err
	}
	e.audit(ctx, events.Entry{
		Type:          "status_changed",
		WorkPackageID: workPackageID,
		ActorID:       actorID,
		CorrelationID: correlationID,
		Payload:       events.EventPayload{"from_status": wp.Status, "to_status": status},
	})
	wp.Status = status
	wp.UpdatedAt = now
	return wp, nil
}

// ClaimOptions are parameters for claiming a lease on a work package.
type ClaimOptions struct {
	WorkPackageID string
	ActorID       string
	Role          string
	TTL           time.Duration
	CorrelationID string
}

// Claim takes a time-bounded exclusive lease. The transition is a single
// conditional write keyed on the assignment_state read just before, so two
// concurrent claimants cannot both succeed; the loser gets ConflictError.
// A claim by the current holder of an active lease is a renewal.
func (e Engine) Claim(ctx context.Context, opts ClaimOptions) (domain.WorkPackage, error) {
	if e.Config == nil {
		return domain.WorkPackage{}, errors.New("config not loaded")
	}
	if opts.ActorID == "" {
		return domain.WorkPackage{}, ValidationError{Field: "actor", Reason: "required"}
	}
	if opts.Role == "" {
		return domain.WorkPackage{}, ValidationError{Field: "role", Reason: "required"}
	}
	if !e.Config.HasRole(opts.Role) {
		return domain.WorkPackage{}, ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %s", opts.Role)}
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = time.Duration(e.Config.Leases.DefaultTTLSeconds) * time.Second
	}
	if ttl < 0 || ttl > time.Duration(e.Config.Leases.MaxTTLSeconds)*time.Second {
		return domain.WorkPackage{}, ValidationError{Field: "ttl_seconds", Reason: fmt.Sprintf("must be between 1 and %d", e.Config.Leases.MaxTTLSeconds)}
	}

	wp, err := e.Repo.GetWorkPackage(ctx, opts.WorkPackageID)
	if err != nil {
		return domain.WorkPackage{}, err
	}
	fromState := wp.AssignmentState
	fromActor := ""
	if fromState == domain.Assigned {
		if wp.AssignedTo == nil || *wp.AssignedTo != opts.ActorID {
			held := ""
			if wp.AssignedTo != nil {
				held = *wp.AssignedTo
			}
			return domain.WorkPackage{}, ConflictError{WorkPackageID: wp.ID, HeldBy: held}
		}
		// Renewal: the conditional write pins the owner as well.
		fromActor = opts.ActorID
	}

	now := e.now().UTC()
	expiresAt := now.Add(ttl).Format(time.RFC3339)
	nowStr := now.Format(time.RFC3339)
	ok, err := e.Repo.ClaimWorkPackage(ctx, wp.ID, fromState, fromActor, opts.ActorID, opts.Role, expiresAt, nowStr)
	if err != nil {
		return domain.WorkPackage{}, fmt.Errorf("claim work package: %w", err)
	}
	if !ok {
		return domain.WorkPackage{}, ConflictError{WorkPackageID: wp.ID}
	}
	e.audit(ctx, events.Entry{
		Type:          "assignment_claimed",
		WorkPackageID: wp.ID,
		ActorID:       opts.ActorID,
		CorrelationID: opts.CorrelationID,
		FromState:     fromState,
		ToState:       domain.Assigned,
		Payload: events.EventPayload{
			"role":        opts.Role,
			"ttl_seconds": int(ttl / time.Second),
			"expires_at":  expiresAt,
		},
	})
	wp.AssignmentState = domain.Assigned
	wp.AssignedTo = &opts.ActorID
	wp.AssignedRole = &opts.Role
	wp.AssignedExpiresAt = &expiresAt
	wp.UpdatedAt = nowStr
	return wp, nil
}

// ReleaseOptions are parameters for releasing a lease.
type ReleaseOptions struct {
	WorkPackageID string
	ActorID       string
	AdminOverride bool
	CorrelationID string
}

// Release ends an active lease early. Only the holder (or an administrative
// override) may release; EXPIRED and RELEASED are reported as NotAssigned.
func (e Engine) Release(ctx context.Context, opts ReleaseOptions) (domain.WorkPackage, error) {
	wp, err := e.Repo.GetWorkPackage(ctx, opts.WorkPackageID)
	if err != nil {
		return domain.WorkPackage{}, err
	}
	if wp.AssignmentState != domain.Assigned || wp.AssignedTo == nil {
		return domain.WorkPackage{}, NotAssignedError{WorkPackageID: wp.ID}
	}
	owner := *wp.AssignedTo
	if !opts.AdminOverride && owner != opts.ActorID {
		return domain.WorkPackage{}, NotOwnerError{WorkPackageID: wp.ID, Owner: owner}
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.ReleaseWorkPackage(ctx, wp.ID, owner, nowStr)
	if err != nil {
		return domain.WorkPackage{}, fmt.Errorf("release work package: %w", err)
	}
	if !ok {
		// The lease changed between read and write; whatever it is now,
		// the lease we were asked to release no longer exists.
		return domain.WorkPackage{}, NotAssignedError{WorkPackageID: wp.ID}
	}
	e.audit(ctx, events.Entry{
		Type:          "assignment_released",
		WorkPackageID: wp.ID,
		ActorID:       opts.ActorID,
		CorrelationID: opts.CorrelationID,
		FromState:     domain.Assigned,
		ToState:       domain.Released,
		Payload:       events.EventPayload{"released_for": owner, "admin_override": opts.AdminOverride},
	})
	wp.AssignmentState = domain.Released
	wp.AssignedExpiresAt = nil
	wp.UpdatedAt = nowStr
	return wp, nil
}

// Lease returns the current assignment snapshot. Pure read.
func (e Engine) Lease(ctx context.Context, workPackageID string) (domain.WorkPackage, error) {
	return e.Repo.GetWorkPackage(ctx, workPackageID)
}

// ReclaimResult reports a completed sweep.
type ReclaimResult struct {
	ReclaimedIDs []string `json:"reclaimed_ids"`
	Count        int      `json:"reclaimed_count"`
}

// Summary renders a human-readable sweep outcome.
func (r ReclaimResult) Summary() string {
	return fmt.Sprintf("reclaimed %d expired lease(s)", r.Count)
}

// ReclaimExpired scans for leases past their deadline and transitions each
// to EXPIRED via a conditional write keyed on the observed state and
// deadline. Records re-claimed between scan and write lose the condition and
// are skipped silently; only a failed scan fails the sweep. assigned_to and
// assigned_role are preserved for forensic history.
func (e Engine) ReclaimExpired(ctx context.Context, actorID, correlationID string) (ReclaimResult, error) {
	nowStr := e.now().UTC().Format(time.RFC3339)
	expired, err := e.Repo.ListExpiredAssignments(ctx, nowStr)
	if err != nil {
		return ReclaimResult{}, fmt.Errorf("scan expired assignments: %w", err)
	}
	result := ReclaimResult{ReclaimedIDs: []string{}}
	for _, wp := range expired {
		if wp.AssignedExpiresAt == nil {
			continue
		}
		deadline := *wp.AssignedExpiresAt
		ok, err := e.Repo.ExpireWorkPackage(ctx, wp.ID, deadline, nowStr)
		if err != nil {
			e.logf("reclaim wp=%s failed: %v", wp.ID, err)
			continue
		}
		if !ok {
			// Re-claimed since the scan; leave it alone.
			continue
		}
		result.ReclaimedIDs = append(result.ReclaimedIDs, wp.ID)
		payload := events.EventPayload{"deadline": deadline}
		prior := ""
		if wp.AssignedTo != nil {
			prior = *wp.AssignedTo
			payload["prior_assignee"] = prior
		}
		if wp.AssignedRole != nil {
			payload["prior_role"] = *wp.AssignedRole
		}
		e.audit(ctx, events.Entry{
			Type:          "assignment_expired",
			WorkPackageID: wp.ID,
			ActorID:       actorID,
			CorrelationID: correlationID,
			FromState:     domain.Assigned,
			ToState:       domain.Expired,
			Payload:       payload,
		})
	}
	result.Count = len(result.ReclaimedIDs)
	return result, nil
}

// CurrentScript returns the single unlocked version for a work package.
func (e Engine) CurrentScript(ctx context.Context, workPackageID string) (domain.ScriptVersion, error) {
	if _, err := e.Repo.GetWorkPackage(ctx, workPackageID); err != nil {
		return domain.ScriptVersion{}, err
	}
	return e.Repo.GetCurrentScriptVersion(ctx, workPackageID)
}

// ScriptCreateOptions are parameters for appending a script version.
type ScriptCreateOptions struct {
	WorkPackageID string
	Content       string
	ActorID       string
	CorrelationID string
}

// CreateScriptVersion appends the next version with its content hash. If an
// unlocked version already exists it is superseded (locked) in the same
// transaction, so at most one unlocked version exists regardless of call
// ordering.
func (e Engine) CreateScriptVersion(ctx context.Context, opts ScriptCreateOptions) (domain.ScriptVersion, error) {
	if opts.Content == "" {
		return domain.ScriptVersion{}, ValidationError{Field: "content", Reason: "required"}
	}
	if opts.ActorID == "" {
		return domain.ScriptVersion{}, ValidationError{Field: "actor", Reason: "required"}
	}
	if _, err := e.Repo.GetWorkPackage(ctx, opts.WorkPackageID); err != nil {
		return domain.ScriptVersion{}, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScriptVersion{}, err
	}
	defer tx.Rollback()

	superseded := 0
	prior, err := e.Repo.GetCurrentScriptVersionTx(ctx, tx, opts.WorkPackageID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.ScriptVersion{}, err
	}
	if err == nil {
		if _, err := e.Repo.LockScriptVersionTx(ctx, tx, opts.WorkPackageID, prior.VersionNumber, nowStr, opts.ActorID); err != nil {
			return domain.ScriptVersion{}, fmt.Errorf("supersede version %d: %w", prior.VersionNumber, err)
		}
		superseded = prior.VersionNumber
	}
	next, err := e.Repo.NextScriptVersionNumber(ctx, tx, opts.WorkPackageID)
	if err != nil {
		return domain.ScriptVersion{}, err
	}
	v := domain.ScriptVersion{
		WorkPackageID: opts.WorkPackageID,
		VersionNumber: next,
		Content:       opts.Content,
		ContentHash:   ContentHash(opts.Content),
		CreatedBy:     opts.ActorID,
		CreatedAt:     nowStr,
	}
	if err := e.Repo.InsertScriptVersion(ctx, tx, v); err != nil {
		return domain.ScriptVersion{}, fmt.Errorf("insert script version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ScriptVersion{}, err
	}
	if superseded > 0 {
		e.audit(ctx, events.Entry{
			Type:          "script_superseded",
			WorkPackageID: opts.WorkPackageID,
			ActorID:       opts.ActorID,
			CorrelationID: opts.CorrelationID,
			Payload:       events.EventPayload{"version_number": superseded, "superseded_by": next},
		})
	}
	e.audit(ctx, events.Entry{
		Type:          "script_version_created",
		WorkPackageID: opts.WorkPackageID,
		ActorID:       opts.ActorID,
		CorrelationID: opts.CorrelationID,
		Payload:       events.EventPayload{"version_number": next, "content_hash": v.ContentHash},
	})
	return v, nil
}

// LockOptions are parameters for freezing the current script version.
type LockOptions struct {
	WorkPackageID string
	ActorID       string
	CorrelationID string
}

// LockCurrentVersion freezes the latest script version into immutability.
// Idempotent from the outside: locking an already-locked version returns the
// stored hash and lock metadata, and a lost lock race resolves to the
// winner's lock.
func (e Engine) LockCurrentVersion(ctx context.Context, opts LockOptions) (domain.ScriptVersion, error) {
	if _, err := e.Repo.GetWorkPackage(ctx, opts.WorkPackageID); err != nil {
		return domain.ScriptVersion{}, err
	}
	latest, err := e.Repo.GetLatestScriptVersion(ctx, opts.WorkPackageID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ScriptVersion{}, NoScriptError{WorkPackageID: opts.WorkPackageID}
	}
	if err != nil {
		return domain.ScriptVersion{}, err
	}
	if latest.Locked {
		return latest, nil
	}
	hash := ContentHash(latest.Content)
	nowStr := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.LockScriptVersion(ctx, opts.WorkPackageID, latest.VersionNumber, hash, nowStr, opts.ActorID)
	if err != nil {
		return domain.ScriptVersion{}, fmt.Errorf("lock script version: %w", err)
	}
	if !ok {
		// Concurrent locker won; its lock is the truth.
		relocked, err := e.Repo.GetLatestScriptVersion(ctx, opts.WorkPackageID)
		if err != nil {
			return domain.ScriptVersion{}, err
		}
		if relocked.Locked {
			return relocked, nil
		}
		return domain.ScriptVersion{}, ConflictError{WorkPackageID: opts.WorkPackageID}
	}
	e.audit(ctx, events.Entry{
		Type:          "script_locked",
		WorkPackageID: opts.WorkPackageID,
		ActorID:       opts.ActorID,
		CorrelationID: opts.CorrelationID,
		Payload: events.EventPayload{
			"version_number": latest.VersionNumber,
			"content_hash":   hash,
		},
	})
	latest.Locked = true
	latest.ContentHash = hash
	latest.LockedAt = &nowStr
	latest.LockedBy = &opts.ActorID
	return latest, nil
}

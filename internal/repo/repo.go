package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"clipline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const workPackageCols = `id,title,status,assignment_state,assigned_to,assigned_role,assigned_expires_at,created_at,updated_at`

func scanWorkPackage(scan func(dest ...any) error) (domain.WorkPackage, error) {
	var wp domain.WorkPackage
	var title, assignedTo, assignedRole, expiresAt sql.NullString
	err := scan(&wp.ID, &title, &wp.Status, &wp.AssignmentState, &assignedTo, &assignedRole, &expiresAt, &wp.CreatedAt, &wp.UpdatedAt)
	if err == sql.ErrNoRows {
		return wp, ErrNotFound
	}
	if err != nil {
		return wp, err
	}
	if title.Valid {
		wp.Title = title.String
	}
	if assignedTo.Valid {
		wp.AssignedTo = &assignedTo.String
	}
	if assignedRole.Valid {
		wp.AssignedRole = &assignedRole.String
	}
	if expiresAt.Valid {
		wp.AssignedExpiresAt = &expiresAt.String
	}
	return wp, nil
}

func (r Repo) InsertWorkPackage(ctx context.Context, wp domain.WorkPackage) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO work_packages(id,title,status,assignment_state,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		wp.ID, nullable(wp.Title), wp.Status, wp.AssignmentState, wp.CreatedAt, wp.UpdatedAt)
	return err
}

func (r Repo) GetWorkPackage(ctx context.Context, id string) (domain.WorkPackage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workPackageCols+` FROM work_packages WHERE id=?`, id)
	return scanWorkPackage(row.Scan)
}

type WorkPackageFilters struct {
	Status          string
	AssignmentState string
	AssignedTo      string
	Limit           int
}

func (r Repo) ListWorkPackages(ctx context.Context, f WorkPackageFilters) ([]domain.WorkPackage, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignmentState != "" {
		clauses = append(clauses, "assignment_state=?")
		args = append(args, f.AssignmentState)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workPackageCols + ` FROM work_packages ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkPackage
	for rows.Next() {
		wp, err := scanWorkPackage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, wp)
	}
	return res, rows.Err()
}

// UpdateWorkPackageStatus mutates only the pipeline status column. Callers
// outside the lease core own this field; assignment columns are untouched.
func (r Repo) UpdateWorkPackageStatus(ctx context.Context, id, status, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE work_packages SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimWorkPackage applies the assignment transition as a single conditional
// write keyed on the previously observed state. fromActor is non-empty only
// for same-owner renewals, where the condition also pins the owner. Returns
// false when the condition no longer holds (a concurrent writer won).
func (r Repo) ClaimWorkPackage(ctx context.Context, id, fromState, fromActor, actor, role, expiresAt, updatedAt string) (bool, error) {
	query := `UPDATE work_packages SET assignment_state=?, assigned_to=?, assigned_role=?, assigned_expires_at=?, updated_at=? WHERE id=? AND assignment_state=?`
	args := []any{domain.Assigned, actor, role, expiresAt, updatedAt, id, fromState}
	if fromActor != "" {
		query += ` AND assigned_to=?`
		args = append(args, fromActor)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseWorkPackage conditionally moves an active lease held by actor to
// RELEASED, clearing only the deadline.
func (r Repo) ReleaseWorkPackage(ctx context.Context, id, actor, updatedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE work_packages SET assignment_state=?, assigned_expires_at=NULL, updated_at=? WHERE id=? AND assignment_state=? AND assigned_to=?`,
		domain.Released, updatedAt, id, domain.Assigned, actor)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExpireWorkPackage moves a lease to EXPIRED, keyed on both the ASSIGNED
// state and the deadline observed by the sweep scan so a re-claim between
// scan and update makes the write a no-op.
func (r Repo) ExpireWorkPackage(ctx context.Context, id, observedExpiresAt, updatedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE work_packages SET assignment_state=?, assigned_expires_at=NULL, updated_at=? WHERE id=? AND assignment_state=? AND assigned_expires_at=?`,
		domain.Expired, updatedAt, id, domain.Assigned, observedExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListExpiredAssignments returns ASSIGNED work packages whose deadline is
// strictly before now (RFC3339 UTC strings compare lexicographically).
func (r Repo) ListExpiredAssignments(ctx context.Context, now string) ([]domain.WorkPackage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workPackageCols+` FROM work_packages WHERE assignment_state=? AND assigned_expires_at < ? ORDER BY assigned_expires_at ASC, id ASC`,
		domain.Assigned, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkPackage
	for rows.Next() {
		wp, err := scanWorkPackage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, wp)
	}
	return res, rows.Err()
}

const scriptVersionCols = `work_package_id,version_number,content,content_hash,locked,locked_at,locked_by,created_by,created_at`

func scanScriptVersion(scan func(dest ...any) error) (domain.ScriptVersion, error) {
	var v domain.ScriptVersion
	var locked int
	var lockedAt, lockedBy sql.NullString
	err := scan(&v.WorkPackageID, &v.VersionNumber, &v.Content, &v.ContentHash, &locked, &lockedAt, &lockedBy, &v.CreatedBy, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.Locked = locked != 0
	if lockedAt.Valid {
		v.LockedAt = &lockedAt.String
	}
	if lockedBy.Valid {
		v.LockedBy = &lockedBy.String
	}
	return v, nil
}

func (r Repo) InsertScriptVersion(ctx context.Context, tx *sql.Tx, v domain.ScriptVersion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO script_versions(work_package_id,version_number,content,content_hash,locked,created_by,created_at) VALUES (?,?,?,?,0,?,?)`,
		v.WorkPackageID, v.VersionNumber, v.Content, v.ContentHash, v.CreatedBy, v.CreatedAt)
	return err
}

func (r Repo) GetCurrentScriptVersion(ctx context.Context, workPackageID string) (domain.ScriptVersion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+scriptVersionCols+` FROM script_versions WHERE work_package_id=? AND locked=0`, workPackageID)
	return scanScriptVersion(row.Scan)
}

func (r Repo) GetCurrentScriptVersionTx(ctx context.Context, tx *sql.Tx, workPackageID string) (domain.ScriptVersion, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+scriptVersionCols+` FROM script_versions WHERE work_package_id=? AND locked=0`, workPackageID)
	return scanScriptVersion(row.Scan)
}

// GetLatestScriptVersion returns the highest-numbered version regardless of
// lock state.
func (r Repo) GetLatestScriptVersion(ctx context.Context, workPackageID string) (domain.ScriptVersion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+scriptVersionCols+` FROM script_versions WHERE work_package_id=? ORDER BY version_number DESC LIMIT 1`, workPackageID)
	return scanScriptVersion(row.Scan)
}

func (r Repo) NextScriptVersionNumber(ctx context.Context, tx *sql.Tx, workPackageID string) (int, error) {
	var maxVersion int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number),0) FROM script_versions WHERE work_package_id=?`, workPackageID).Scan(&maxVersion)
	if err != nil {
		return 0, err
	}
	return maxVersion + 1, nil
}

// LockScriptVersion flips locked 0 -> 1 exactly once, persisting the digest
// recomputed at lock time; the condition on locked=0 makes concurrent
// lockers lose cleanly.
func (r Repo) LockScriptVersion(ctx context.Context, workPackageID string, versionNumber int, contentHash, lockedAt, lockedBy string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE script_versions SET locked=1, content_hash=?, locked_at=?, locked_by=? WHERE work_package_id=? AND version_number=? AND locked=0`,
		contentHash, lockedAt, lockedBy, workPackageID, versionNumber)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LockScriptVersionTx is LockScriptVersion inside an existing transaction,
// used when superseding a prior unlocked version during version creation.
func (r Repo) LockScriptVersionTx(ctx context.Context, tx *sql.Tx, workPackageID string, versionNumber int, lockedAt, lockedBy string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE script_versions SET locked=1, locked_at=?, locked_by=? WHERE work_package_id=? AND version_number=? AND locked=0`,
		lockedAt, lockedBy, workPackageID, versionNumber)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ListScriptVersions(ctx context.Context, workPackageID string) ([]domain.ScriptVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+scriptVersionCols+` FROM script_versions WHERE work_package_id=? ORDER BY version_number ASC`, workPackageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScriptVersion
	for rows.Next() {
		v, err := scanScriptVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

type AuditEventFilters struct {
	WorkPackageID string
	Type          string
	Limit         int
	Cursor        int64
}

func (r Repo) ListAuditEvents(ctx context.Context, f AuditEventFilters) ([]domain.AuditEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkPackageID != "" {
		clauses = append(clauses, "work_package_id=?")
		args = append(args, f.WorkPackageID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,work_package_id,actor_id,correlation_id,from_state,to_state,payload_json FROM audit_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var wpID, corrID, fromState, toState sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &wpID, &e.ActorID, &corrID, &fromState, &toState, &e.Payload); err != nil {
			return nil, err
		}
		if wpID.Valid {
			e.WorkPackageID = wpID.String
		}
		if corrID.Valid {
			e.CorrelationID = corrID.String
		}
		if fromState.Valid {
			e.FromState = fromState.String
		}
		if toState.Valid {
			e.ToState = toState.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

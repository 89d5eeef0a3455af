package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"clipline/internal/config"
	"clipline/internal/db"
	"clipline/internal/domain"
	"clipline/internal/engine"
	"clipline/internal/migrate"
	"clipline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: &clock}
}

func (env testEnv) createWP(t *testing.T, id string) domain.WorkPackage {
	t.Helper()
	wp, err := env.Engine.CreateWorkPackage(env.Ctx, engine.WorkPackageCreateOptions{
		ID:      id,
		Title:   "Episode 1 cut",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create work package: %v", err)
	}
	return wp
}

func TestClaimConflict(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")

	wp, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-1", ActorID: "alice", Role: "scriptwriter"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if wp.AssignmentState != domain.Assigned || wp.AssignedTo == nil || *wp.AssignedTo != "alice" {
		t.Fatalf("unexpected lease after claim: %+v", wp)
	}
	if wp.AssignedExpiresAt == nil {
		t.Fatalf("expected deadline on active lease")
	}

	_, err = env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-1", ActorID: "bob", Role: "editor"})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.HeldBy != "alice" {
		t.Fatalf("expected holder alice, got %q", conflict.HeldBy)
	}

	// The losing claim must not have touched the record.
	got, err := env.Engine.Lease(env.Ctx, "wp-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AssignedTo == nil || *got.AssignedTo != "alice" {
		t.Fatalf("lease holder changed: %+v", got)
	}
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")

	const claimants = 8
	errs := make(chan error, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{
				WorkPackageID: "wp-1",
				ActorID:       fmt.Sprintf("actor-%d", n),
				Role:          "editor",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflict engine.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected conflict for losers, got %v", err)
		}
		conflicts++
	}
	if wins != 1 || conflicts != claimants-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}

	wp, err := env.Engine.Lease(env.Ctx, "wp-1")
	if err != nil {
		t.Fatal(err)
	}
	if wp.AssignmentState != domain.Assigned || wp.AssignedTo == nil || wp.AssignedExpiresAt == nil {
		t.Fatalf("winner's lease not intact: %+v", wp)
	}
}

func TestConcurrentLocksConverge(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")
	if _, err := env.Engine.CreateScriptVersion(env.Ctx, engine.ScriptCreateOptions{WorkPackageID: "wp-1", Content: "final cut", ActorID: "alice"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	const lockers = 6
	type outcome struct {
		v   domain.ScriptVersion
		err error
	}
	results := make(chan outcome, lockers)
	var wg sync.WaitGroup
	for i := 0; i < lockers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v, err := env.Engine.LockCurrentVersion(env.Ctx, engine.LockOptions{
				WorkPackageID: "wp-1",
				ActorID:       fmt.Sprintf("locker-%d", n),
			})
			results <- outcome{v: v, err: err}
		}(i)
	}
	wg.Wait()
	close(results)

	// Every caller succeeds and sees the same winning lock.
	var first *domain.ScriptVersion
	for r := range results {
		if r.err != nil {
			t.Fatalf("lock: %v", r.err)
		}
		if !r.v.Locked || r.v.LockedAt == nil || r.v.LockedBy == nil {
			t.Fatalf("unlocked result: %+v", r.v)
		}
		if first == nil {
			v := r.v
			first = &v
			continue
		}
		if r.v.ContentHash != first.ContentHash || *r.v.LockedAt != *first.LockedAt || *r.v.LockedBy != *first.LockedBy {
			t.Fatalf("divergent locks: %+v vs %+v", r.v, *first)
		}
	}
}

func TestClaimRenewalExtendsDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")

	first, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-1", ActorID: "alice", Role: "scriptwriter"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	*env.Clock = env.Clock.Add(10 * time.Minute)
	renewed, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-1", ActorID: "alice", Role: "scriptwriter"})
	if err != nil {
		t.Fatalf("renewal: %v", err)
	}
	if *renewed.AssignedExpiresAt <= *first.AssignedExpiresAt {
		t.Fatalf("expected later deadline after renewal: %s vs %s", *renewed.AssignedExpiresAt, *first.AssignedExpiresAt)
	}
}

func TestClaimValidation(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")

	cases := []engine.ClaimOptions{
		{WorkPackageID: "wp-1", ActorID: "", Role: "editor"},
		{WorkPackageID: "wp-1", ActorID: "alice", Role: ""},
		{WorkPackageID: "wp-1", ActorID: "alice", Role: "producer"},
		{WorkPackageID: "wp-1", ActorID: "alice", Role: "editor", TTL: 200000 * time.Second},
		{WorkPackageID: "wp-1", ActorID: "alice", Role: "editor", TTL: -time.Second},
	}
	for _, opts := range cases {
		_, err := env.Engine.Claim(env.Ctx, opts)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("opts %+v: expected validation error, got %v", opts, err)
		}
	}

	_, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "missing", ActorID: "alice", Role: "editor"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReleaseOwnership(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")
	if _, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-1", ActorID: "alice", Role: "editor"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err := env.Engine.Release(env.Ctx, engine.ReleaseOptions{WorkPackageID: "wp-1", ActorID: "bob"})
	var notOwner engine.NotOwnerError
	if !errors.As(err, &notOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if notOwner.Owner != "alice" {
		t.Fatalf("expected owner alice, got %q", notOwner.Owner)
	}

	wp, err := env.Engine.Release(env.Ctx, engine.ReleaseOptions{WorkPackageID: "wp-1", ActorID: "alice"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if wp.AssignmentState != domain.Released || wp.AssignedExpiresAt != nil {
		t.Fatalf("unexpected state after release: %+v", wp)
	}

	// The lease is gone; releasing again reports that.
	_, err = env.Engine.Release(env.Ctx, engine.ReleaseOptions{WorkPackageID: "wp-1", ActorID: "alice"})
	var notAssigned engine.NotAssignedError
	if !errors.As(err, &notAssigned) {
		t.Fatalf("expected not assigned, got %v", err)
	}
}

func TestReleaseAdminOverride(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")
	if _, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-1", ActorID: "alice", Role: "editor"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	wp, err := env.Engine.Release(env.Ctx, engine.ReleaseOptions{WorkPackageID: "wp-1", ActorID: "ops", AdminOverride: true})
	if err != nil {
		t.Fatalf("override release: %v", err)
	}
	if wp.AssignmentState != domain.Released {
		t.Fatalf("expected RELEASED, got %s", wp.AssignmentState)
	}
}

func TestReclaimExpired(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")
	env.createWP(t, "wp-2")

	if _, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-1", ActorID: "alice", Role: "editor", TTL: time.Hour}); err != nil {
		t.Fatalf("claim wp-1: %v", err)
	}
	*env.Clock = env.Clock.Add(30 * time.Minute)
	if _, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-2", ActorID: "carol", Role: "poster", TTL: 2 * time.Hour}); err != nil {
		t.Fatalf("claim wp-2: %v", err)
	}

	// Nothing is past deadline yet.
	result, err := env.Engine.ReclaimExpired(env.Ctx, "sweeper", "")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if result.Count != 0 {
		t.Fatalf("expected no reclaims, got %+v", result)
	}

	// wp-1 crosses its deadline, wp-2 does not.
	*env.Clock = env.Clock.Add(time.Hour)
	result, err = env.Engine.ReclaimExpired(env.Ctx, "sweeper", "")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if result.Count != 1 || len(result.ReclaimedIDs) != 1 || result.ReclaimedIDs[0] != "wp-1" {
		t.Fatalf("unexpected reclaim result: %+v", result)
	}

	wp, err := env.Engine.Lease(env.Ctx, "wp-1")
	if err != nil {
		t.Fatal(err)
	}
	if wp.AssignmentState != domain.Expired {
		t.Fatalf("expected EXPIRED, got %s", wp.AssignmentState)
	}
	if wp.AssignedTo == nil || *wp.AssignedTo != "alice" {
		t.Fatalf("prior assignee must survive expiry: %+v", wp)
	}
	if wp.AssignedExpiresAt != nil {
		t.Fatalf("deadline must be cleared on expiry")
	}

	other, err := env.Engine.Lease(env.Ctx, "wp-2")
	if err != nil {
		t.Fatal(err)
	}
	if other.AssignmentState != domain.Assigned {
		t.Fatalf("unexpired lease swept: %+v", other)
	}

	// The expired record is claimable again.
	wp, err = env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-1", ActorID: "bob", Role: "editor"})
	if err != nil {
		t.Fatalf("re-claim after expiry: %v", err)
	}
	if wp.AssignedTo == nil || *wp.AssignedTo != "bob" {
		t.Fatalf("expected bob to hold lease: %+v", wp)
	}
}

func TestReclaimSkipsRenewedLease(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")

	wp, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-1", ActorID: "alice", Role: "editor", TTL: time.Minute})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	staleDeadline := *wp.AssignedExpiresAt

	// The lease goes overdue, but the holder renews before any sweep runs.
	*env.Clock = env.Clock.Add(time.Hour)
	if _, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-1", ActorID: "alice", Role: "editor", TTL: 2 * time.Hour}); err != nil {
		t.Fatalf("renew: %v", err)
	}

	// A write keyed on the pre-renewal deadline must be a no-op, not an error.
	nowStr := env.Clock.UTC().Format(time.RFC3339)
	ok, err := env.Engine.Repo.ExpireWorkPackage(env.Ctx, "wp-1", staleDeadline, nowStr)
	if err != nil {
		t.Fatalf("stale expire: %v", err)
	}
	if ok {
		t.Fatalf("stale deadline condition matched after renewal")
	}

	// The sweep sees only the renewed deadline and leaves the lease alone.
	result, err := env.Engine.ReclaimExpired(env.Ctx, "sweeper", "")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if result.Count != 0 || len(result.ReclaimedIDs) != 0 {
		t.Fatalf("renewed lease swept: %+v", result)
	}

	got, err := env.Engine.Lease(env.Ctx, "wp-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AssignmentState != domain.Assigned || got.AssignedTo == nil || *got.AssignedTo != "alice" {
		t.Fatalf("lease disturbed: %+v", got)
	}
}

func TestReleaseExpiredLease(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")
	if _, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-1", ActorID: "alice", Role: "editor", TTL: time.Minute}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	*env.Clock = env.Clock.Add(time.Hour)
	if _, err := env.Engine.ReclaimExpired(env.Ctx, "sweeper", ""); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	_, err := env.Engine.Release(env.Ctx, engine.ReleaseOptions{WorkPackageID: "wp-1", ActorID: "alice"})
	var notAssigned engine.NotAssignedError
	if !errors.As(err, &notAssigned) {
		t.Fatalf("expected not assigned on expired lease, got %v", err)
	}
}

func TestScriptVersioning(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")

	v1, err := env.Engine.CreateScriptVersion(env.Ctx, engine.ScriptCreateOptions{WorkPackageID: "wp-1", Content: "draft one", ActorID: "alice"})
	if err != nil {
		t.Fatalf("create v1: %v", err)
	}
	if v1.VersionNumber != 1 || v1.Locked {
		t.Fatalf("unexpected v1: %+v", v1)
	}
	if v1.ContentHash != engine.ContentHash("draft one") {
		t.Fatalf("hash mismatch: %s", v1.ContentHash)
	}

	v2, err := env.Engine.CreateScriptVersion(env.Ctx, engine.ScriptCreateOptions{WorkPackageID: "wp-1", Content: "draft two", ActorID: "alice"})
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}
	if v2.VersionNumber != 2 {
		t.Fatalf("expected version 2, got %d", v2.VersionNumber)
	}

	// Appending superseded v1; exactly one version stays unlocked.
	current, err := env.Engine.CurrentScript(env.Ctx, "wp-1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.VersionNumber != 2 {
		t.Fatalf("expected current version 2, got %d", current.VersionNumber)
	}
	versions, err := env.Engine.Repo.ListScriptVersions(env.Ctx, "wp-1")
	if err != nil {
		t.Fatal(err)
	}
	unlocked := 0
	for _, v := range versions {
		if !v.Locked {
			unlocked++
		}
	}
	if unlocked != 1 {
		t.Fatalf("expected exactly one unlocked version, got %d", unlocked)
	}
}

func TestScriptCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")

	_, err := env.Engine.CreateScriptVersion(env.Ctx, engine.ScriptCreateOptions{WorkPackageID: "wp-1", Content: "", ActorID: "alice"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = env.Engine.CreateScriptVersion(env.Ctx, engine.ScriptCreateOptions{WorkPackageID: "missing", Content: "x", ActorID: "alice"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLockCurrentVersionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")
	if _, err := env.Engine.CreateScriptVersion(env.Ctx, engine.ScriptCreateOptions{WorkPackageID: "wp-1", Content: "final cut", ActorID: "alice"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	locked, err := env.Engine.LockCurrentVersion(env.Ctx, engine.LockOptions{WorkPackageID: "wp-1", ActorID: "alice"})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !locked.Locked || locked.LockedBy == nil || *locked.LockedBy != "alice" {
		t.Fatalf("unexpected lock result: %+v", locked)
	}
	if locked.ContentHash != engine.ContentHash("final cut") {
		t.Fatalf("hash mismatch: %s", locked.ContentHash)
	}

	// A later retry must see the stored lock, not take a new one.
	*env.Clock = env.Clock.Add(time.Hour)
	again, err := env.Engine.LockCurrentVersion(env.Ctx, engine.LockOptions{WorkPackageID: "wp-1", ActorID: "bob"})
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	if again.ContentHash != locked.ContentHash || *again.LockedAt != *locked.LockedAt || *again.LockedBy != *locked.LockedBy {
		t.Fatalf("lock not idempotent: %+v vs %+v", again, locked)
	}

	// No unlocked version remains once locked.
	if _, err := env.Engine.CurrentScript(env.Ctx, "wp-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no current version, got %v", err)
	}

	// A fresh version opens the next draft without superseding the lock.
	v, err := env.Engine.CreateScriptVersion(env.Ctx, engine.ScriptCreateOptions{WorkPackageID: "wp-1", Content: "cut two", ActorID: "alice"})
	if err != nil {
		t.Fatalf("create after lock: %v", err)
	}
	if v.VersionNumber != 2 || v.Locked {
		t.Fatalf("unexpected follow-up version: %+v", v)
	}
}

func TestLockWithoutScript(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")
	_, err := env.Engine.LockCurrentVersion(env.Ctx, engine.LockOptions{WorkPackageID: "wp-1", ActorID: "alice"})
	var noScript engine.NoScriptError
	if !errors.As(err, &noScript) {
		t.Fatalf("expected no script error, got %v", err)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")
	if _, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-1", ActorID: "alice", Role: "editor", CorrelationID: "corr-1"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.Release(env.Ctx, engine.ReleaseOptions{WorkPackageID: "wp-1", ActorID: "alice", CorrelationID: "corr-2"}); err != nil {
		t.Fatalf("release: %v", err)
	}

	evts, err := env.Engine.Repo.ListAuditEvents(env.Ctx, repo.AuditEventFilters{WorkPackageID: "wp-1"})
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, evt := range evts {
		types[evt.Type] = true
	}
	for _, want := range []string{"work_package_created", "assignment_claimed", "assignment_released"} {
		if !types[want] {
			t.Fatalf("missing audit event %s in %v", want, types)
		}
	}
	for _, evt := range evts {
		if evt.Type == "assignment_claimed" && evt.CorrelationID != "corr-1" {
			t.Fatalf("claim event missing correlation id: %+v", evt)
		}
	}
}

func TestSetStatus(t *testing.T) {
	env := newTestEnv(t)
	env.createWP(t, "wp-1")
	wp, err := env.Engine.SetStatus(env.Ctx, "wp-1", "approved", "tester", "")
	if err != nil || wp.Status != "approved" {
		t.Fatalf("set status: %v %+v", err, wp)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, "wp-1", "bogus", "tester", ""); err == nil {
		t.Fatalf("expected validation error")
	}
	// Status changes never touch the lease columns.
	if _, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkPackageID: "wp-1", ActorID: "alice", Role: "editor"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	wp, err = env.Engine.SetStatus(env.Ctx, "wp-1", "in_progress", "alice", "")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, err := env.Engine.Lease(env.Ctx, "wp-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AssignmentState != domain.Assigned || got.AssignedTo == nil || *got.AssignedTo != "alice" {
		t.Fatalf("status change disturbed lease: %+v", got)
	}
}

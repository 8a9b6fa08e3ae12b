package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloudwipe/internal/audit"
	"cloudwipe/internal/db"
	"cloudwipe/internal/domain"
	"cloudwipe/internal/engine"
	"cloudwipe/internal/identity"
	"cloudwipe/internal/lock"
	"cloudwipe/internal/migrate"
	"cloudwipe/internal/ratelimit"
	"cloudwipe/internal/scope"
)

const (
	tenantID = "11111111-1111-1111-1111-111111111111"
	selfID   = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	appID    = "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
)

type fakeResources struct {
	mu      sync.Mutex
	objects []domain.Object
	deleted []string
	failIDs map[string]error
}

func (f *fakeResources) List(ctx context.Context, s domain.ResetScope) ([]domain.Object, error) {
	return f.objects, nil
}

func (f *fakeResources) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failIDs[id]; ok {
		return err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeResources) GroupExists(ctx context.Context, subscriptionID, groupName string) (bool, error) {
	return true, nil
}

type fakeDirectory struct {
	mu          sync.Mutex
	principals  []domain.Object
	fingerprint domain.IdentityFingerprint
	deleted     []string
}

func (f *fakeDirectory) ListUsers(ctx context.Context) ([]domain.Object, error)  { return nil, nil }
func (f *fakeDirectory) ListGroups(ctx context.Context) ([]domain.Object, error) { return nil, nil }

func (f *fakeDirectory) ListServicePrincipals(ctx context.Context) ([]domain.Object, error) {
	return f.principals, nil
}

func (f *fakeDirectory) GetServicePrincipalByAppID(ctx context.Context, id string) (domain.IdentityFingerprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fingerprint, nil
}

func (f *fakeDirectory) ListRoleAssignments(ctx context.Context, principalID string) ([]domain.Object, error) {
	return nil, nil
}

func (f *fakeDirectory) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeGraph struct {
	mu     sync.Mutex
	swept  []string
	failed error
}

func (f *fakeGraph) DeleteWhere(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed != nil {
		return f.failed
	}
	f.swept = append(f.swept, ids...)
	return nil
}

type testEnv struct {
	engine    *engine.Engine
	resources *fakeResources
	directory *fakeDirectory
	graph     *fakeGraph
	audit     *audit.Log
	locks     *lock.Manager
	rateDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ws := t.TempDir()

	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rateDir := filepath.Join(ws, "rate")
	rate, err := ratelimit.NewStore(rateDir)
	if err != nil {
		t.Fatalf("rate store: %v", err)
	}
	log, err := audit.Open(filepath.Join(ws, "audit.log"))
	if err != nil {
		t.Fatalf("audit: %v", err)
	}

	resources := &fakeResources{failIDs: map[string]error{}}
	directory := &fakeDirectory{
		fingerprint: domain.IdentityFingerprint{ID: selfID, AppID: appID, DisplayName: "cloudwipe-operator"},
	}
	graph := &fakeGraph{}

	guard := &identity.Guard{
		Directory: directory,
		Operator:  identity.Operator{ID: selfID, AppID: appID, DisplayName: "cloudwipe-operator"},
		StatePath: filepath.Join(ws, "identity.sig"),
		Key:       []byte("test-signing-key"),
	}
	if err := guard.SealState(); err != nil {
		t.Fatalf("seal: %v", err)
	}

	locks := lock.New(conn)
	return &testEnv{
		engine: &engine.Engine{
			Rate:          rate,
			Locks:         locks,
			Guard:         guard,
			Resolver:      &scope.Resolver{Resources: resources, Directory: directory, Guard: guard},
			Resources:     resources,
			Directory:     directory,
			Graph:         graph,
			Audit:         log,
			Concurrency:   4,
			ObjectTimeout: time.Second,
			LockTTL:       time.Minute,
		},
		resources: resources,
		directory: directory,
		graph:     graph,
		audit:     log,
		locks:     locks,
		rateDir:   rateDir,
	}
}

func alwaysYes() engine.Confirmer {
	return engine.ConfirmFunc(func(ctx context.Context, s domain.ResetScope, res domain.ScopeResolution, self domain.IdentityFingerprint) (bool, error) {
		return true, nil
	})
}

func tenantScope() domain.ResetScope {
	return domain.ResetScope{Level: domain.LevelTenant, TenantID: tenantID}
}

func TestRunDeletesAndSweepsMirror(t *testing.T) {
	env := newTestEnv(t)
	env.resources.objects = []domain.Object{
		{ID: "vm-1", Type: domain.TypeInstance},
		{ID: "vol-1", Type: domain.TypeVolume},
	}
	env.directory.principals = []domain.Object{
		{ID: "sp-1", Type: domain.TypeServicePrincipal},
		{ID: selfID, Type: domain.TypeServicePrincipal},
	}

	result, err := env.engine.Run(context.Background(), tenantScope(), alwaysYes())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Outcome.Status != domain.StatusSucceeded {
		t.Fatalf("unexpected status %s", result.Outcome.Status)
	}
	if len(result.Outcome.Deleted) != 3 {
		t.Fatalf("expected 3 deletions, got %v", result.Outcome.Deleted)
	}
	for _, id := range env.directory.deleted {
		if id == selfID {
			t.Fatalf("operating identity was deleted")
		}
	}
	if len(env.graph.swept) != 3 {
		t.Fatalf("graph mirror not swept for deleted ids: %v", env.graph.swept)
	}
	if err := env.audit.VerifyIntegrity(); err != nil {
		t.Fatalf("audit chain broken after run: %v", err)
	}
}

func TestRunRoutesIdentityDeletesToDirectory(t *testing.T) {
	env := newTestEnv(t)
	env.directory.principals = []domain.Object{
		{ID: "sp-1", Type: domain.TypeServicePrincipal},
		{ID: selfID, Type: domain.TypeServicePrincipal},
	}
	if _, err := env.engine.Run(context.Background(), tenantScope(), alwaysYes()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(env.directory.deleted) != 1 || env.directory.deleted[0] != "sp-1" {
		t.Fatalf("identity object not routed to directory: %v", env.directory.deleted)
	}
	if len(env.resources.deleted) != 0 {
		t.Fatalf("identity object routed to resource API: %v", env.resources.deleted)
	}
}

func TestDeclinedConfirmationCancelsWithoutDeletion(t *testing.T) {
	env := newTestEnv(t)
	env.resources.objects = []domain.Object{{ID: "vm-1", Type: domain.TypeInstance}}
	no := engine.ConfirmFunc(func(ctx context.Context, s domain.ResetScope, res domain.ScopeResolution, self domain.IdentityFingerprint) (bool, error) {
		return false, nil
	})
	result, err := env.engine.Run(context.Background(), tenantScope(), no)
	if err != nil {
		t.Fatalf("declined confirmation must not be an error: %v", err)
	}
	if result.Outcome.Status != domain.StatusCanceled {
		t.Fatalf("expected canceled status, got %s", result.Outcome.Status)
	}
	if len(env.resources.deleted) != 0 {
		t.Fatalf("deletions happened after a declined confirmation")
	}
}

func TestSecondRunIsRateLimited(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Run(context.Background(), tenantScope(), alwaysYes()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, err := env.engine.Run(context.Background(), tenantScope(), alwaysYes())
	var rle domain.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.WaitSeconds <= 0 || rle.WaitSeconds > 3600 {
		t.Fatalf("wait out of range: %d", rle.WaitSeconds)
	}
}

func TestHeldLockFailsWithSecurityError(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.locks.Acquire(context.Background(), tenantID, time.Minute); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	_, err := env.engine.Run(context.Background(), tenantScope(), alwaysYes())
	var se domain.SecurityError
	if !errors.As(err, &se) {
		t.Fatalf("expected SecurityError for held lock, got %v", err)
	}
}

func TestLockReleasedAfterCanceledRun(t *testing.T) {
	env := newTestEnv(t)
	no := engine.ConfirmFunc(func(ctx context.Context, s domain.ResetScope, res domain.ScopeResolution, self domain.IdentityFingerprint) (bool, error) {
		return false, nil
	})
	if _, err := env.engine.Run(context.Background(), tenantScope(), no); err != nil {
		t.Fatalf("run: %v", err)
	}
	h, err := env.locks.Acquire(context.Background(), tenantID, time.Minute)
	if err != nil {
		t.Fatalf("lock not released after run: %v", err)
	}
	_ = env.locks.Release(context.Background(), h)
}

func TestPartialFailureReportsPartial(t *testing.T) {
	env := newTestEnv(t)
	env.resources.objects = []domain.Object{
		{ID: "vm-1", Type: domain.TypeInstance},
		{ID: "vm-2", Type: domain.TypeInstance},
	}
	env.resources.failIDs["vm-2"] = errors.New("resource locked")

	result, err := env.engine.Run(context.Background(), tenantScope(), alwaysYes())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Outcome.Status != domain.StatusPartial {
		t.Fatalf("expected partial status, got %s", result.Outcome.Status)
	}
	if result.Outcome.Errors["vm-2"] != "resource locked" {
		t.Fatalf("failure not recorded: %v", result.Outcome.Errors)
	}
}

func TestIdentityLostAfterRunFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	env.resources.objects = []domain.Object{{ID: "vm-1", Type: domain.TypeInstance}}
	sabotage := engine.ConfirmFunc(func(ctx context.Context, s domain.ResetScope, res domain.ScopeResolution, self domain.IdentityFingerprint) (bool, error) {
		// the directory answer changes between the pre and post check
		env.directory.mu.Lock()
		env.directory.fingerprint.ID = "cccccccc-cccc-cccc-cccc-cccccccccccc"
		env.directory.mu.Unlock()
		return true, nil
	})
	_, err := env.engine.Run(context.Background(), tenantScope(), sabotage)
	var se domain.SecurityError
	if !errors.As(err, &se) {
		t.Fatalf("expected SecurityError from identity post-check, got %v", err)
	}
}

func TestRunRejectsMalformedScopeWithoutSideEffects(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Run(context.Background(), domain.ResetScope{
		Level:    domain.LevelTenant,
		TenantID: "../../escape",
	}, alwaysYes())
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	entries, err := env.audit.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("audit written for a rejected scope: %d entries", len(entries))
	}
	files, err := os.ReadDir(env.rateDir)
	if err != nil {
		t.Fatalf("read rate dir: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("rate state written for a rejected scope: %v", files)
	}
	// the rejection consumed nothing: a valid run still goes through
	if _, err := env.engine.Run(context.Background(), tenantScope(), alwaysYes()); err != nil {
		t.Fatalf("valid run blocked after a rejected scope: %v", err)
	}
}

func TestOversizedScopeRefusedBeforeConfirmation(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 1500; i++ {
		env.resources.objects = append(env.resources.objects, domain.Object{
			ID: fmt.Sprintf("obj-%04d", i), Type: domain.TypeGeneric,
		})
	}
	confirmed := false
	c := engine.ConfirmFunc(func(ctx context.Context, s domain.ResetScope, res domain.ScopeResolution, self domain.IdentityFingerprint) (bool, error) {
		confirmed = true
		return true, nil
	})
	_, err := env.engine.Run(context.Background(), tenantScope(), c)
	var se domain.SecurityError
	if !errors.As(err, &se) {
		t.Fatalf("expected SecurityError for oversized scope, got %v", err)
	}
	if confirmed {
		t.Fatalf("confirmation ran for an oversized scope")
	}
	if len(env.resources.deleted) != 0 {
		t.Fatalf("deletions happened for an oversized scope")
	}
}

func TestPreviewDoesNotConsumeRateToken(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if _, err := env.engine.Preview(context.Background(), tenantScope()); err != nil {
			t.Fatalf("preview %d: %v", i, err)
		}
	}
	if _, err := env.engine.Run(context.Background(), tenantScope(), alwaysYes()); err != nil {
		t.Fatalf("run after previews: %v", err)
	}
}

func TestPreviewReturnsDryRunStatus(t *testing.T) {
	env := newTestEnv(t)
	env.resources.objects = []domain.Object{{ID: "vm-1", Type: domain.TypeInstance}}
	result, err := env.engine.Preview(context.Background(), tenantScope())
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if result.Outcome.Status != domain.StatusDryRun {
		t.Fatalf("expected dry_run status, got %s", result.Outcome.Status)
	}
	if len(env.resources.deleted) != 0 {
		t.Fatalf("preview must not delete")
	}
}

// Package engine composes the safety controls around a reset run:
// rate limit, distributed lock, identity validation before and after,
// scope resolution, confirmation, ordered execution, graph-mirror
// cleanup, and an audit record at every safety-relevant step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloudwipe/internal/audit"
	"cloudwipe/internal/cloud"
	"cloudwipe/internal/domain"
	"cloudwipe/internal/identity"
	"cloudwipe/internal/lock"
	"cloudwipe/internal/ratelimit"
	"cloudwipe/internal/scope"
	"cloudwipe/internal/sched"
)

// Confirmer gates execution after the scope is resolved. The CLI backs
// it with the interactive state machine; the API backs it with a
// signed confirmation token.
type Confirmer interface {
	Confirm(ctx context.Context, s domain.ResetScope, res domain.ScopeResolution, self domain.IdentityFingerprint) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, s domain.ResetScope, res domain.ScopeResolution, self domain.IdentityFingerprint) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, s domain.ResetScope, res domain.ScopeResolution, self domain.IdentityFingerprint) (bool, error) {
	return f(ctx, s, res, self)
}

// Engine owns one reset invocation end to end.
type Engine struct {
	Rate     *ratelimit.Store
	Locks    *lock.Manager
	Guard    *identity.Guard
	Resolver *scope.Resolver

	Resources cloud.ResourceAPI
	Directory cloud.DirectoryAPI
	Graph     cloud.GraphMirror

	Audit *audit.Log

	Concurrency   int
	ObjectTimeout time.Duration
	LockTTL       time.Duration
}

// Result carries what a run produced. For a dry run only the
// resolution and self fingerprint are populated.
type Result struct {
	Scope      domain.ResetScope       `json:"scope"`
	Resolution domain.ScopeResolution  `json:"resolution"`
	Self       domain.IdentityFingerprint `json:"self"`
	Outcome    domain.DeletionOutcome  `json:"outcome"`
}

// Preview resolves the scope without consuming a rate token, taking
// the lock, or mutating anything remote.
func (e *Engine) Preview(ctx context.Context, s domain.ResetScope) (Result, error) {
	if err := s.Validate(); err != nil {
		return Result{}, err
	}
	res, self, err := e.Resolver.Resolve(ctx, s)
	if err != nil {
		e.auditError(s.TenantID, "scope_resolution_failed", err)
		return Result{}, err
	}
	if err := e.audit("dry_run_preview", s.TenantID, map[string]any{
		"level":       string(s.Level),
		"to_delete":   len(res.ToDelete),
		"to_preserve": len(res.ToPreserve),
	}); err != nil {
		return Result{}, err
	}
	return Result{
		Scope:      s,
		Resolution: res,
		Self:       self,
		Outcome:    domain.DeletionOutcome{Status: domain.StatusDryRun, Deleted: []string{}, Failed: []string{}},
	}, nil
}

// Run executes a destructive reset. A declined confirmation yields a
// Canceled outcome and a nil error; every safety violation is a typed
// error and an audit entry.
func (e *Engine) Run(ctx context.Context, s domain.ResetScope, confirmer Confirmer) (Result, error) {
	// validation comes before the first audit append, the rate check,
	// and the lock: a rejected scope must leave no trace, and a raw
	// identifier must never reach a state-file path or query
	if err := s.Validate(); err != nil {
		return Result{}, err
	}
	tenant := s.TenantID
	if err := e.audit("reset_requested", tenant, map[string]any{"level": string(s.Level)}); err != nil {
		return Result{}, err
	}

	allowed, wait, err := e.Rate.Check(tenant)
	if err != nil {
		return Result{}, fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		e.auditError(tenant, "rate_limited", domain.RateLimitError{TenantID: tenant, WaitSeconds: wait})
		return Result{}, domain.RateLimitError{TenantID: tenant, WaitSeconds: wait}
	}

	handle, err := e.Locks.Acquire(ctx, tenant, e.LockTTL)
	if err != nil {
		e.auditError(tenant, "lock_denied", err)
		return Result{}, err
	}
	defer func() {
		if rerr := e.Locks.Release(context.WithoutCancel(ctx), handle); rerr != nil {
			e.auditError(tenant, "lock_release_failed", rerr)
		}
	}()

	res, self, err := e.Resolver.Resolve(ctx, s)
	if err != nil {
		e.auditError(tenant, "scope_resolution_failed", err)
		return Result{}, err
	}
	if err := e.audit("scope_resolved", tenant, map[string]any{
		"level":       string(s.Level),
		"to_delete":   len(res.ToDelete),
		"to_preserve": len(res.ToPreserve),
		"self_id":     self.ID,
	}); err != nil {
		return Result{}, err
	}

	// the ceiling holds on every execution path, not only the
	// interactive one
	if n := len(res.ToDelete); n > domain.MaxResetObjects {
		err := domain.SecurityError{Reason: fmt.Sprintf("scope contains %d objects, above the ceiling of %d", n, domain.MaxResetObjects)}
		e.auditError(tenant, "scope_ceiling_exceeded", err)
		return Result{}, err
	}

	ok, err := confirmer.Confirm(ctx, s, res, self)
	if err != nil {
		e.auditError(tenant, "confirmation_aborted", err)
		return Result{}, err
	}
	if !ok {
		e.auditError(tenant, "confirmation_declined", errors.New("operator declined"))
		return Result{
			Scope: s, Resolution: res, Self: self,
			Outcome: domain.DeletionOutcome{Status: domain.StatusCanceled, Deleted: []string{}, Failed: []string{}},
		}, nil
	}
	// no deletion without a durable record of the grant
	if err := e.audit("confirmation_granted", tenant, nil); err != nil {
		return Result{}, err
	}

	ex := &sched.Executor{
		Concurrency:   e.Concurrency,
		ObjectTimeout: e.ObjectTimeout,
		Delete:        e.deleteObject,
	}
	outcome := ex.Execute(ctx, sched.Order(res.ToDelete))
	_ = e.audit("execution_completed", tenant, map[string]any{
		"status":  string(outcome.Status),
		"deleted": len(outcome.Deleted),
		"failed":  len(outcome.Failed),
	})

	if len(outcome.Deleted) > 0 {
		if err := e.Graph.DeleteWhere(ctx, outcome.Deleted); err != nil {
			e.auditError(tenant, "graph_cleanup_failed", err)
			return Result{Scope: s, Resolution: res, Self: self, Outcome: outcome},
				fmt.Errorf("graph mirror cleanup: %w", err)
		}
		_ = e.audit("graph_cleanup_completed", tenant, map[string]any{"ids": len(outcome.Deleted)})
	}

	if err := e.verifySelfSurvived(ctx, tenant, self); err != nil {
		return Result{Scope: s, Resolution: res, Self: self, Outcome: outcome}, err
	}

	if outcome.Status == domain.StatusPartial || outcome.Status == domain.StatusFailed {
		if err := e.Rate.RecordFailure(tenant); err != nil {
			e.auditError(tenant, "rate_backoff_failed", err)
		}
	}
	_ = e.audit("reset_completed", tenant, map[string]any{"status": string(outcome.Status)})
	return Result{Scope: s, Resolution: res, Self: self, Outcome: outcome}, nil
}

// deleteObject routes a deletion to the directory or resource API by
// object type.
func (e *Engine) deleteObject(ctx context.Context, obj domain.Object) error {
	switch obj.Type {
	case domain.TypeUser, domain.TypeGroup, domain.TypeServicePrincipal, domain.TypeRoleAssignment:
		return e.Directory.Delete(ctx, obj.ID)
	default:
		return e.Resources.Delete(ctx, obj.ID)
	}
}

// verifySelfSurvived re-resolves the operating identity after
// execution and fails closed if the fingerprint changed or vanished.
func (e *Engine) verifySelfSurvived(ctx context.Context, tenant string, pre domain.IdentityFingerprint) error {
	post, err := e.Guard.IdentifySelf(ctx)
	if err != nil {
		e.auditError(tenant, "identity_postcheck_failed", err)
		var se domain.SecurityError
		if errors.As(err, &se) {
			return err
		}
		return domain.SecurityError{Reason: "operating identity could not be re-verified after run: " + err.Error()}
	}
	if !pre.Equal(post) {
		err := domain.SecurityError{Reason: "operating identity changed during run"}
		e.auditError(tenant, "identity_postcheck_failed", err)
		return err
	}
	_ = e.audit("identity_postcheck_passed", tenant, map[string]any{"self_id": post.ID})
	return nil
}

func (e *Engine) audit(event, tenant string, details map[string]any) error {
	if e.Audit == nil {
		return nil
	}
	if _, err := e.Audit.Append(event, tenant, details); err != nil {
		return fmt.Errorf("audit append (%s): %w", event, err)
	}
	return nil
}

func (e *Engine) auditError(tenant, event string, err error) {
	_ = e.audit(event, tenant, map[string]any{"error": err.Error()})
}

// Package confirm implements the interactive gate in front of every
// destructive run: five stages in strict forward order, any failure
// terminal. The input source is an interface so a terminal, a test
// harness and the API flow drive the same machine.
package confirm

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"cloudwipe/internal/domain"
)

const (
	// MaxObjects is the hard ceiling on |to_delete|; stage 2 refuses
	// larger scopes regardless of operator input.
	MaxObjects = domain.MaxResetObjects

	// PreviewLimit bounds the stage-2 listing.
	PreviewLimit = 25

	// DefaultCountdown is the mandatory wait before the final literal.
	DefaultCountdown = 3 * time.Second
)

// InputReader supplies one line of typed operator input per stage.
// An error (EOF, interrupt) aborts the whole flow hard.
type InputReader interface {
	ReadLine(ctx context.Context, prompt string) (string, error)
}

// ReadLineFunc adapts a function to InputReader.
type ReadLineFunc func(ctx context.Context, prompt string) (string, error)

func (f ReadLineFunc) ReadLine(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Session is one confirmation flow bound to a resolved scope. Stages
// only move forward; there is no way to retry a failed stage.
type Session struct {
	Scope      domain.ResetScope
	Resolution domain.ScopeResolution
	Self       domain.IdentityFingerprint

	DryRun    bool
	Input     InputReader
	Output    io.Writer
	Countdown time.Duration

	skip bool
}

// NewSession fails fast when skip is requested outside a dry run; the
// combination is not constructible.
func NewSession(scope domain.ResetScope, res domain.ScopeResolution, self domain.IdentityFingerprint, dryRun, skip bool, in InputReader, out io.Writer) (*Session, error) {
	if skip && !dryRun {
		return nil, domain.SecurityError{Reason: "confirmation can only be skipped for a dry run"}
	}
	return &Session{
		Scope:      scope,
		Resolution: res,
		Self:       self,
		DryRun:     dryRun,
		Input:      in,
		Output:     out,
		Countdown:  DefaultCountdown,
		skip:       skip,
	}, nil
}

// Confirm runs the five stages. It returns (false, nil) on a declined
// or refused stage and a non-nil error only on interrupt or read
// failure, which is an abort rather than a "no".
func (s *Session) Confirm(ctx context.Context) (bool, error) {
	if s.skip {
		// re-verified at the point of use, not only at construction
		if !s.DryRun {
			return false, domain.SecurityError{Reason: "confirmation skip requested outside a dry run"}
		}
		return true, nil
	}

	ok, err := s.stageScopeAck(ctx)
	if !ok || err != nil {
		return false, err
	}
	ok, err = s.stagePreview(ctx)
	if !ok || err != nil {
		return false, err
	}
	ok, err = s.stageTenantID(ctx)
	if !ok || err != nil {
		return false, err
	}
	ok, err = s.stagePreservationAck(ctx)
	if !ok || err != nil {
		return false, err
	}
	return s.stageFinal(ctx)
}

func (s *Session) stageScopeAck(ctx context.Context) (bool, error) {
	fmt.Fprintf(s.Output, "Reset scope: level=%s tenant=%s\n", s.Scope.Level, s.Scope.TenantID)
	line, err := s.Input.ReadLine(ctx, "Type \"yes\" to acknowledge the scope: ")
	if err != nil {
		return false, fmt.Errorf("confirmation aborted: %w", err)
	}
	if line != "yes" {
		fmt.Fprintln(s.Output, "Scope not acknowledged; aborting.")
		return false, nil
	}
	return true, nil
}

func (s *Session) stagePreview(ctx context.Context) (bool, error) {
	n := len(s.Resolution.ToDelete)
	if n > MaxObjects {
		fmt.Fprintf(s.Output, "Refusing: scope contains %d objects, above the ceiling of %d.\n", n, MaxObjects)
		return false, nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(s.Output)
	tw.AppendHeader(table.Row{"#", "ID", "Type", "Name"})
	for i, o := range s.Resolution.ToDelete {
		if i == PreviewLimit {
			break
		}
		tw.AppendRow(table.Row{i + 1, o.ID, o.Type, o.DisplayName})
	}
	tw.Render()
	if n > PreviewLimit {
		fmt.Fprintf(s.Output, "... and %d more\n", n-PreviewLimit)
	}
	fmt.Fprintf(s.Output, "%d objects will be deleted, %d preserved.\n", n, len(s.Resolution.ToPreserve))
	line, err := s.Input.ReadLine(ctx, "Type \"yes\" to continue past the preview: ")
	if err != nil {
		return false, fmt.Errorf("confirmation aborted: %w", err)
	}
	if line != "yes" {
		fmt.Fprintln(s.Output, "Preview not accepted; aborting.")
		return false, nil
	}
	return true, nil
}

func (s *Session) stageTenantID(ctx context.Context) (bool, error) {
	line, err := s.Input.ReadLine(ctx, fmt.Sprintf("Type the tenant id (%s) to verify the target: ", s.Scope.TenantID))
	if err != nil {
		return false, fmt.Errorf("confirmation aborted: %w", err)
	}
	if line != s.Scope.TenantID {
		fmt.Fprintln(s.Output, "Tenant id mismatch; aborting.")
		return false, nil
	}
	return true, nil
}

func (s *Session) stagePreservationAck(ctx context.Context) (bool, error) {
	fmt.Fprintf(s.Output, "Operating identity %s (%s) and its role assignments will be preserved.\n", s.Self.DisplayName, s.Self.ID)
	line, err := s.Input.ReadLine(ctx, "Type \"yes\" to acknowledge preservation: ")
	if err != nil {
		return false, fmt.Errorf("confirmation aborted: %w", err)
	}
	if line != "yes" {
		fmt.Fprintln(s.Output, "Preservation not acknowledged; aborting.")
		return false, nil
	}
	return true, nil
}

func (s *Session) stageFinal(ctx context.Context) (bool, error) {
	countdown := s.Countdown
	if countdown <= 0 {
		countdown = DefaultCountdown
	}
	// real elapsed time; only an interrupt cuts it short
	remaining := countdown
	step := time.Second
	for remaining > 0 {
		if step > remaining {
			step = remaining
		}
		fmt.Fprintf(s.Output, "Deleting in %v...\n", remaining)
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("confirmation aborted: %w", ctx.Err())
		case <-time.After(step):
		}
		remaining -= step
	}
	line, err := s.Input.ReadLine(ctx, "Type DELETE to proceed: ")
	if err != nil {
		return false, fmt.Errorf("confirmation aborted: %w", err)
	}
	if line != "DELETE" {
		fmt.Fprintln(s.Output, "Final confirmation mismatch; aborting.")
		return false, nil
	}
	return true, nil
}

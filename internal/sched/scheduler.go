// Package sched orders deletions into sequential waves from a small
// DAG of type dependencies and executes each wave with bounded
// concurrency. A failing object never blocks or cancels its siblings.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"cloudwipe/internal/cloud"
	"cloudwipe/internal/domain"
)

// DefaultObjectTimeout bounds each individual deletion call.
const DefaultObjectTimeout = 30 * time.Second

// typeDeps maps each object type to the types it must be deleted
// before: an instance goes before the volumes it references, an
// interface before the network it attaches to, and any object before
// the group or container that holds it.
var typeDeps = map[domain.ObjectType][]domain.ObjectType{
	domain.TypeInstance:         {domain.TypeVolume, domain.TypeNetworkInterface},
	domain.TypeNetworkInterface: {domain.TypeNetwork, domain.TypePublicAddress},
	domain.TypeVolume:           {domain.TypeResourceGroup},
	domain.TypeNetwork:          {domain.TypeResourceGroup},
	domain.TypePublicAddress:    {domain.TypeResourceGroup},
	domain.TypeGeneric:          {domain.TypeResourceGroup},
	domain.TypeRoleAssignment:   {domain.TypeUser, domain.TypeGroup, domain.TypeServicePrincipal},
	domain.TypeUser:             {domain.TypeGroup},
	domain.TypeServicePrincipal: {domain.TypeGroup},
}

// Wave is one batch of deletions; the next wave only starts after
// every member has resolved.
type Wave []domain.Object

// Order groups objects into waves by topologically layering the type
// graph once and letting each instance inherit its type's layer.
func Order(objects []domain.Object) []Wave {
	layer := typeLayers()
	byLayer := map[int][]domain.Object{}
	for _, o := range objects {
		byLayer[layer[o.Type]] = append(byLayer[layer[o.Type]], o)
	}
	indices := make([]int, 0, len(byLayer))
	for idx := range byLayer {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	waves := make([]Wave, 0, len(indices))
	for _, idx := range indices {
		waves = append(waves, byLayer[idx])
	}
	return waves
}

// typeLayers assigns each type the length of the longest predecessor
// chain in the dependency graph. Types without declared dependencies
// share layer zero.
func typeLayers() map[domain.ObjectType]int {
	indegree := map[domain.ObjectType]int{}
	for t, deps := range typeDeps {
		if _, ok := indegree[t]; !ok {
			indegree[t] = 0
		}
		for _, d := range deps {
			indegree[d]++
		}
	}
	layer := map[domain.ObjectType]int{}
	var queue []domain.ObjectType
	for t, n := range indegree {
		if n == 0 {
			queue = append(queue, t)
			layer[t] = 0
		}
	}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		for _, d := range typeDeps[t] {
			if layer[t]+1 > layer[d] {
				layer[d] = layer[t] + 1
			}
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	return layer
}

// DeleteFunc removes one remote object. cloud.ErrNotFound counts as
// success.
type DeleteFunc func(ctx context.Context, obj domain.Object) error

// Executor runs waves strictly sequentially with bounded in-wave
// concurrency and a per-object timeout.
type Executor struct {
	Concurrency   int
	ObjectTimeout time.Duration
	Delete        DeleteFunc
}

// Execute resolves every object of wave k before any object of wave
// k+1 starts. A panic or error on one object is converted into a
// failure entry for that object alone.
func (e *Executor) Execute(ctx context.Context, waves []Wave) domain.DeletionOutcome {
	concurrency := e.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	timeout := e.ObjectTimeout
	if timeout <= 0 {
		timeout = DefaultObjectTimeout
	}

	var results []domain.ObjectOutcome
	for _, wave := range waves {
		waveResults := make([]domain.ObjectOutcome, len(wave))
		if err := ctx.Err(); err != nil {
			for i, obj := range wave {
				waveResults[i] = domain.ObjectOutcome{ID: obj.ID, Type: obj.Type, Error: "run canceled: " + err.Error()}
			}
			results = append(results, waveResults...)
			continue
		}
		g := &errgroup.Group{}
		g.SetLimit(concurrency)
		for i, obj := range wave {
			i, obj := i, obj
			g.Go(func() error {
				waveResults[i] = e.deleteOne(ctx, obj, timeout)
				return nil
			})
		}
		// workers never return errors, so siblings are never cancelled
		_ = g.Wait()
		results = append(results, waveResults...)
	}

	outcome := domain.DeletionOutcome{
		Deleted: []string{},
		Failed:  []string{},
		Errors:  map[string]string{},
		Objects: results,
	}
	for _, r := range results {
		if r.Success {
			outcome.Deleted = append(outcome.Deleted, r.ID)
		} else {
			outcome.Failed = append(outcome.Failed, r.ID)
			outcome.Errors[r.ID] = r.Error
		}
	}
	outcome.Status = domain.StatusFor(len(outcome.Deleted), len(outcome.Failed))
	return outcome
}

func (e *Executor) deleteOne(ctx context.Context, obj domain.Object, timeout time.Duration) (out domain.ObjectOutcome) {
	out = domain.ObjectOutcome{ID: obj.ID, Type: obj.Type}
	start := time.Now()
	defer func() {
		out.Duration = time.Since(start)
		if r := recover(); r != nil {
			out.Success = false
			out.Error = fmt.Sprintf("panic during deletion: %v", r)
		}
	}()

	objCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := e.Delete(objCtx, obj)
	switch {
	case err == nil:
		out.Success = true
	case errors.Is(err, cloud.ErrNotFound):
		// already gone remotely; deletion is idempotent
		out.Success = true
	default:
		out.Error = err.Error()
	}
	return out
}

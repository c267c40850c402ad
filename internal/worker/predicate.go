package worker

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/basket/steward/internal/brain"
	"github.com/basket/steward/internal/persistence"
)

// Check is what a predicate sees after each iteration.
type Check struct {
	Iteration int
	Response  string
	History   []brain.Turn
}

// Predicate decides whether a session is done. An error counts as "not yet".
type Predicate interface {
	Satisfied(ctx context.Context, c Check) (bool, error)
}

type PredicateFunc func(ctx context.Context, c Check) (bool, error)

func (f PredicateFunc) Satisfied(ctx context.Context, c Check) (bool, error) { return f(ctx, c) }

// ContainsMarker is satisfied when the latest response contains marker.
func ContainsMarker(marker string) Predicate {
	return PredicateFunc(func(_ context.Context, c Check) (bool, error) {
		if marker == "" {
			return false, errors.New("empty completion marker")
		}
		return strings.Contains(c.Response, marker), nil
	})
}

// StateLister is the queue read a queue predicate needs.
type StateLister interface {
	ListByState(ctx context.Context, state persistence.State, limit int) ([]persistence.Task, error)
}

// QueueEmpty is satisfied when no task sits in state.
func QueueEmpty(q StateLister, state persistence.State) Predicate {
	return PredicateFunc(func(ctx context.Context, _ Check) (bool, error) {
		tasks, err := q.ListByState(ctx, state, 1)
		if err != nil {
			return false, err
		}
		return len(tasks) == 0, nil
	})
}

type TaskGetter interface {
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
}

// TaskReached is satisfied once task id is in state.
func TaskReached(q TaskGetter, id string, state persistence.State) Predicate {
	return PredicateFunc(func(ctx context.Context, _ Check) (bool, error) {
		task, err := q.GetTask(ctx, id)
		if err != nil {
			return false, err
		}
		return task.State == state, nil
	})
}

// FileExists is satisfied once path exists.
func FileExists(path string) Predicate {
	return PredicateFunc(func(context.Context, Check) (bool, error) {
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return err == nil, err
	})
}

// All is satisfied when every predicate is. It stops at the first "no".
func All(ps ...Predicate) Predicate {
	return PredicateFunc(func(ctx context.Context, c Check) (bool, error) {
		if len(ps) == 0 {
			return false, nil
		}
		for _, p := range ps {
			ok, err := p.Satisfied(ctx, c)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// Any is satisfied when one predicate is. Errors are returned only if no
// predicate was satisfied.
func Any(ps ...Predicate) Predicate {
	return PredicateFunc(func(ctx context.Context, c Check) (bool, error) {
		var errs []error
		for _, p := range ps {
			ok, err := p.Satisfied(ctx, c)
			if ok {
				return true, nil
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
		return false, errors.Join(errs...)
	})
}

package journal

import (
	"context"
	"fmt"

	"github.com/pilsy/normstore/internal/entity"
	"github.com/pilsy/normstore/internal/update"
)

// Replay folds the full journal through the reducer, reproducing the state
// the logged actions built. Recovery and diagnostic path; the live store
// never reads the journal.
func Replay(ctx context.Context, j *Journal, reducer *update.Reducer) (entity.State, error) {
	actions, err := j.Actions(ctx)
	if err != nil {
		return nil, err
	}

	st := entity.NewState()
	for i, action := range actions {
		st, err = reducer.Apply(st, action)
		if err != nil {
			return nil, fmt.Errorf("replay action %d (%s): %w", i, action.Kind, err)
		}
	}
	return st, nil
}

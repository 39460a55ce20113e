package engine

import (
	"context"
	"time"
)

// DefaultLookupTimeout bounds each catalog or directory call.
const DefaultLookupTimeout = 2 * time.Second

// lookups bounds collaborator calls with a timeout and turns deadline
// errors into TransientError.
type lookups struct {
	tasks   TaskCatalog
	users   UserDirectory
	timeout time.Duration
}

func (lk lookups) task(ctx context.Context, id TaskID) (Task, error) {
	ctx, cancel := context.WithTimeout(ctx, lk.timeout)
	defer cancel()
	t, err := lk.tasks.GetTask(ctx, id)
	return t, asTransient("task catalog lookup", err)
}

func (lk lookups) user(ctx context.Context, id UserID) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, lk.timeout)
	defer cancel()
	u, err := lk.users.GetUser(ctx, id)
	return u, asTransient("user directory lookup", err)
}

// taskPoints memoizes task lookups for the duration of one query.
type taskPoints struct {
	lk    lookups
	cache map[TaskID]Task
}

func newTaskPoints(lk lookups) *taskPoints {
	return &taskPoints{lk: lk, cache: make(map[TaskID]Task)}
}

func (tp *taskPoints) get(ctx context.Context, id TaskID) (Task, error) {
	if t, ok := tp.cache[id]; ok {
		return t, nil
	}
	t, err := tp.lk.task(ctx, id)
	if err != nil {
		return Task{}, err
	}
	tp.cache[id] = t
	return t, nil
}

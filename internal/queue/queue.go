// Package queue is the per-repository task list: queued tasks opaque to the
// core except for the named fields it reads and writes, with optimistic
// status transitions enforced against the lifecycle graph in
// internal/types. The list lives in memory only: tasks enter through Load
// and Put, and nothing is written to disk.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ralph-labs/ralphd/internal/runtime"
	"github.com/ralph-labs/ralphd/internal/types"
)

// Queue holds the in-memory task list for one daemon instance. Task
// records themselves are opaque externally-owned documents; the queue only
// understands the named fields the core contract requires.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*types.Task // keyed by Task.Path
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{tasks: map[string]*types.Task{}}
}

// Load replaces the queue's contents, e.g. at startup after reading task
// records from disk.
func (q *Queue) Load(tasks []types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = make(map[string]*types.Task, len(tasks))
	for i := range tasks {
		t := tasks[i]
		q.tasks[t.Path] = &t
	}
}

// ErrNotFound is returned when a task path is not present in the queue.
var ErrNotFound = fmt.Errorf("queue: task not found")

// ErrConflict is returned when Transition is attempted against a status
// that is not the expected current one, signaling a lost optimistic race.
var ErrConflict = fmt.Errorf("queue: optimistic transition conflict")

// Get returns a copy of the task at path.
func (q *Queue) Get(path string) (types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[path]
	if !ok {
		return types.Task{}, ErrNotFound
	}
	return *t, nil
}

// List returns every task for repo, ordered by priority band descending
// then by creation time ascending — the order the scheduler consumes.
func (q *Queue) List(repo string) []types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []types.Task
	for _, t := range q.tasks {
		if t.Repo == repo {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Next returns the highest-priority queued task for repo, or nil if none
// is waiting.
func (q *Queue) Next(repo string) *types.Task {
	for _, t := range q.List(repo) {
		if t.Status == types.TaskQueued {
			tc := t
			return &tc
		}
	}
	return nil
}

// Put inserts or replaces a task record wholesale, used when ingesting an
// externally-edited record. It does not enforce the transition graph: that
// check is only meaningful for Transition.
func (q *Queue) Put(t types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tc := t
	q.tasks[t.Path] = &tc
}

// Transition moves the task at path from its current status to `to`,
// refusing if the edge is not allowed by the lifecycle graph or if
// expectedFrom is given and does not match the task's current status
// (the optimistic-update check). On success it applies fields and bumps
// UpdatedAt.
func (q *Queue) Transition(path string, expectedFrom *types.TaskStatus, to types.TaskStatus, now time.Time, apply func(*types.Task)) (types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[path]
	if !ok {
		return types.Task{}, ErrNotFound
	}
	if expectedFrom != nil && t.Status != *expectedFrom {
		return types.Task{}, ErrConflict
	}
	if !types.CanTransition(t.Status, to) {
		return types.Task{}, fmt.Errorf("queue: illegal transition %s -> %s for %s", t.Status, to, path)
	}

	if apply != nil {
		apply(t)
	}
	t.Status = to
	t.UpdatedAt = now
	return *t, nil
}

// Remove deletes the task record at path, e.g. after a terminal status is
// externally archived.
func (q *Queue) Remove(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, path)
}

var _ runtime.QueueStore = (*Queue)(nil)

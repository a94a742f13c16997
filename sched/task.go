package sched

import "context"

// Task carries the credentials of the thread of control a kernel operation
// runs on behalf of.
type Task struct {
	Pid  int
	Euid uint16
	Egid uint8
}

// Init is the task assumed when a context carries none.
var Init = &Task{Pid: 1}

type taskKey struct{}

func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

// Current returns the task stored in ctx, or Init.
func Current(ctx context.Context) *Task {
	if t, ok := ctx.Value(taskKey{}).(*Task); ok && t != nil {
		return t
	}
	return Init
}

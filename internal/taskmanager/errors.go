package taskmanager

import "errors"

var (
	// ErrAlreadyRunning is returned by RunTask when a pending or running run
	// already exists for the task (§4.C runTask contract).
	ErrAlreadyRunning = errors.New("taskmanager: a pending or running run already exists for this task")
	// ErrCycle is returned by CreateDependency when the proposed edge would
	// close a cycle in the dependency graph.
	ErrCycle = errors.New("taskmanager: dependency would create a cycle")
	// ErrSelfDependency is returned when parent and child are the same task.
	ErrSelfDependency = errors.New("taskmanager: a task cannot depend on itself")
)

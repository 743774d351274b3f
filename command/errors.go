package command

import "github.com/cockroachdb/errors"

var (
	// ErrStillRecording is returned when a unit is submitted or queued before End was called on it
	ErrStillRecording = errors.New("execution unit is still recording")
	// ErrQueueNotBound is returned when a pool submits before SetQueue was called
	ErrQueueNotBound = errors.New("no queue is bound to the pool")
	// ErrQueueRebound is returned when SetQueue is called with a different queue after the pool's first submission
	ErrQueueRebound = errors.New("the pool's queue cannot change after work has been submitted")
	ErrForeignUnit   = errors.New("execution unit belongs to a different pool")
	// ErrNotCheckedOut is returned when a unit is submitted or queued without being handed out first
	ErrNotCheckedOut = errors.New("execution unit is not checked out")
	ErrPoolDestroyed = errors.New("pool has been destroyed")
)

// Package queue defines the task queue feeding the in-process indexing
// workers.
package queue

import (
	"context"
	"errors"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

var (
	// ErrClosed is returned once a queue has been closed.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned when a task is offered to a queue at capacity.
	ErrFull = errors.New("queue full")
)

// Queue buffers indexing tasks between producers and workers.
type Queue interface {
	// Enqueue adds a task without waiting for capacity; ErrFull when the
	// queue is at capacity.
	Enqueue(ctx context.Context, task corpus.IndexTask) error
	// Dequeue blocks until a task is available or ctx ends.
	Dequeue(ctx context.Context) (corpus.IndexTask, error)
}

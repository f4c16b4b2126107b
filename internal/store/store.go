// Package store is the persistence port: everything the engine needs to
// survive a restart. Any durable key-value or relational store can back
// it; the SQLite implementation in this package is the default.
package store

import (
	"github.com/lovinmaxwell/nexus/internal/engine/types"
)

// TaskFilter narrows LoadTasks. Zero values match everything.
type TaskFilter struct {
	ID      string
	QueueID string
	Status  types.TaskStatus
}

// Store is the persistence port consumed by the coordinator and scheduler.
// Segment writes for a given segment are linearized by (taskID, segmentID).
type Store interface {
	UpsertTask(t *types.Task) error
	LoadTasks(f TaskFilter) ([]*types.Task, error)
	DeleteTask(taskID string) error // Cascades segments

	UpsertSegment(s *types.Segment) error
	UpsertSegments(segs []*types.Segment) error
	LoadSegments(taskID string) ([]*types.Segment, error)
	DeleteSegments(taskID string) error

	UpsertQueue(q *types.Queue) error
	LoadQueues() ([]*types.Queue, error)
	DeleteQueue(queueID string) error

	Close() error
}

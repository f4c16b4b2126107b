package events

import (
	"time"
)

// TaskStartedMsg is sent when a task actually starts (after the metadata probe)
type TaskStartedMsg struct {
	TaskID   string
	URL      string
	Filename string
	Total    int64
	DestPath string // Full path to the destination file
}

// TaskProgressMsg represents a progress update from the coordinator
type TaskProgressMsg struct {
	TaskID            string
	Downloaded        int64
	Total             int64
	Speed             float64 // bytes per second
	ActiveConnections int
}

// TaskCompleteMsg signals that the task finished successfully
type TaskCompleteMsg struct {
	TaskID   string
	QueueID  string
	Filename string
	Elapsed  time.Duration
	Total    int64
}

// TaskErrorMsg signals that a task failed terminally
type TaskErrorMsg struct {
	TaskID  string
	QueueID string
	Err     error
}

type TaskPausedMsg struct {
	TaskID     string
	Downloaded int64
}

type TaskResumedMsg struct {
	TaskID string
}

// QueueDrainedMsg is sent the first time a queue has no pending and no
// running tasks since admission last added work
type QueueDrainedMsg struct {
	QueueID string
	Name    string
}

// SyncSuccessorMsg is sent when the synchronization checker detects a
// remote change and creates a successor task
type SyncSuccessorMsg struct {
	QueueID      string
	SourceTaskID string
	NewTaskID    string
}

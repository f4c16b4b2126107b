package cmd

import (
	"time"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
)

// queueRequest is the JSON shape of queue creation over the control API.
type queueRequest struct {
	Name          string `json:"name"`
	MaxConcurrent int    `json:"max_concurrent"`
	Sequential    bool   `json:"sequential"`
	Sync          bool   `json:"sync"`
	CheckInterval int    `json:"check_interval_seconds"`
	PostProcess   string `json:"post_process"`
	PostScript    string `json:"post_script"`
	StartHour     int    `json:"start_hour"`
	StopHour      int    `json:"stop_hour"`
}

func (q *queueRequest) toQueue() *types.Queue {
	startHour, stopHour := q.StartHour, q.StopHour
	if startHour == 0 && stopHour == 0 {
		startHour, stopHour = -1, -1
	}
	return &types.Queue{
		Name:          q.Name,
		MaxConcurrent: q.MaxConcurrent,
		Sequential:    q.Sequential,
		Active:        true,
		SyncQueue:     q.Sync,
		CheckInterval: time.Duration(q.CheckInterval) * time.Second,
		PostProcess:   types.PostProcessAction(q.PostProcess),
		PostScript:    q.PostScript,
		StartHour:     startHour,
		StopHour:      stopHour,
	}
}

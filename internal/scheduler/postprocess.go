package scheduler

import (
	"os/exec"
	"runtime"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/utils"
)

// runPostProcess executes a queue's post-completion action. Commands run
// detached; a failing action is logged, never fatal.
func (s *Scheduler) runPostProcess(action types.PostProcessAction, script, queueName string) {
	utils.Debug("Scheduler: queue %q drained, post-process action: %s", queueName, action)

	switch action {
	case types.PostProcessNone, "":

	case types.PostProcessNotify:
		// The drained event already went out; nothing more to do here

	case types.PostProcessRunScript:
		if script == "" {
			return
		}
		if err := exec.Command(script).Start(); err != nil {
			utils.Debug("Scheduler: post-process script %q failed to start: %v", script, err)
		}

	case types.PostProcessSleep:
		if err := suspendCommand().Start(); err != nil {
			utils.Debug("Scheduler: suspend failed to start: %v", err)
		}

	case types.PostProcessShutdown:
		if err := shutdownCommand().Start(); err != nil {
			utils.Debug("Scheduler: shutdown failed to start: %v", err)
		}
	}
}

func suspendCommand() *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("pmset", "sleepnow")
	case "windows":
		return exec.Command("rundll32.exe", "powrprof.dll,SetSuspendState", "0,1,0")
	default:
		return exec.Command("systemctl", "suspend")
	}
}

func shutdownCommand() *exec.Cmd {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("shutdown", "/s", "/t", "60")
	default:
		return exec.Command("shutdown", "-h", "+1")
	}
}

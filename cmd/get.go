package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/lovinmaxwell/nexus/internal/config"
	"github.com/lovinmaxwell/nexus/internal/engine"
	"github.com/lovinmaxwell/nexus/internal/engine/coordinator"
	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/errdefs"
	"github.com/lovinmaxwell/nexus/internal/ingress"
	"github.com/lovinmaxwell/nexus/internal/limiter"
	"github.com/lovinmaxwell/nexus/internal/progress"
	"github.com/lovinmaxwell/nexus/internal/store"
	"github.com/lovinmaxwell/nexus/internal/utils"
)

var getCmd = &cobra.Command{
	Use:   "get [url]",
	Short: "Download a file in the foreground",
	Long: `Download a single file without the background daemon, showing progress.

Interrupting with Ctrl+C pauses the download; running the same command
again resumes it from the persisted segments.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		connections, _ := cmd.Flags().GetInt("connections")
		limitBps, _ := cmd.Flags().GetInt64("limit")

		if err := runGet(args[0], output, connections, limitBps); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func runGet(url, output string, connections int, limitBps int64) error {
	if err := config.EnsureDirs(); err != nil {
		return err
	}
	utils.SetDebugDir(config.GetNexusDir())

	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	if output == "" {
		output = settings.General.DefaultDownloadDir
	}
	if output == "" {
		output = "."
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	adapter := ingress.NewAdapter(output)
	req := ingress.Request{URL: url, DestinationFolder: output, PreferredConnections: connections}

	// Resume a previous foreground download of the same URL when one exists
	var task *types.Task
	if existing, err := st.LoadTasks(store.TaskFilter{}); err == nil {
		for _, t := range existing {
			if t.URL == url && !t.Status.Terminal() {
				task = t
				break
			}
		}
	}
	if task == nil {
		task, err = adapter.Normalize(req)
		if err != nil {
			return err
		}
	}

	runtime := settings.Runtime()
	if limitBps == 0 {
		limitBps = settings.Connections.SpeedLimitBytesPerSec
	}
	lim := limiter.New(limitBps)
	broadcaster := progress.NewBroadcaster()
	transport := engine.NewHTTPTransport(runtime, task.Connections)

	coord := coordinator.New(task, coordinator.Options{
		Store:       st,
		Transport:   transport,
		Limiter:     lim,
		Broadcaster: broadcaster,
		Runtime:     runtime,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nPausing...")
		coord.Pause()
	}()

	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	renderProgress(task.ID, broadcaster, done)

	err = <-done
	switch {
	case err == nil:
		fmt.Fprintf(os.Stderr, "Complete: %s (%s)\n", task.DestPath(), utils.HumanBytes(task.TotalSize))
		return nil
	case errors.Is(err, errdefs.ErrPaused):
		fmt.Fprintln(os.Stderr, "Paused. Run the same command again to resume.")
		return nil
	default:
		return err
	}
}

// renderProgress polls the broadcaster and feeds a terminal progress bar
// until the download goroutine signals completion.
func renderProgress(taskID string, b *progress.Broadcaster, done chan error) {
	var bar *progressbar.ProgressBar
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			done <- err
			if bar != nil {
				bar.Finish()
				fmt.Fprintln(os.Stderr)
			}
			return
		case <-ticker.C:
			snap := b.Snapshot(taskID)
			if snap == nil {
				continue
			}
			if bar == nil {
				total := snap.Total
				if total <= 0 {
					total = -1 // Spinner mode for unknown sizes
				}
				bar = progressbar.NewOptions64(total,
					progressbar.OptionSetDescription("downloading"),
					progressbar.OptionShowBytes(true),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionThrottle(100*time.Millisecond),
					progressbar.OptionShowCount(),
				)
			}
			bar.Set64(snap.Downloaded)
		}
	}
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().StringP("output", "o", "", "Output directory")
	getCmd.Flags().IntP("connections", "c", 0, "Preferred connection count (1-32)")
	getCmd.Flags().Int64("limit", 0, "Speed limit in bytes per second (0 = unlimited)")
}

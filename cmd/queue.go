package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage download queues",
}

var queueLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List queues",
	Run: func(cmd *cobra.Command, args []string) {
		port := requireDaemon()

		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/queues", port))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		var queues []*types.Queue
		if err := json.NewDecoder(resp.Body).Decode(&queues); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(queues) == 0 {
			fmt.Println("No queues.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tLIMIT\tACTIVE\tSYNC\tPOST-PROCESS")
		for _, q := range queues {
			fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%v\t%s\n", q.ID[:8], q.Name, q.EffectiveLimit(), q.Active, q.SyncQueue, q.PostProcess)
		}
		w.Flush()
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Create or update a queue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		port := requireDaemon()

		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
		sequential, _ := cmd.Flags().GetBool("sequential")
		sync, _ := cmd.Flags().GetBool("sync")
		checkInterval, _ := cmd.Flags().GetInt("check-interval")
		postProcess, _ := cmd.Flags().GetString("post-process")
		postScript, _ := cmd.Flags().GetString("post-script")
		startHour, _ := cmd.Flags().GetInt("start-hour")
		stopHour, _ := cmd.Flags().GetInt("stop-hour")

		req := queueRequest{
			Name:          args[0],
			MaxConcurrent: maxConcurrent,
			Sequential:    sequential,
			Sync:          sync,
			CheckInterval: checkInterval,
			PostProcess:   postProcess,
			PostScript:    postScript,
			StartHour:     startHour,
			StopHour:      stopHour,
		}

		data, _ := json.Marshal(req)
		resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/queues", port), "application/json", bytes.NewReader(data))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Error: server returned %s\n", resp.Status)
			os.Exit(1)
		}

		var created types.Queue
		json.NewDecoder(resp.Body).Decode(&created)
		fmt.Printf("Queue %q ready (%s)\n", created.Name, created.ID[:8])
	},
}

func requireDaemon() int {
	port := readActivePort()
	if port == 0 {
		fmt.Fprintln(os.Stderr, "Error: nexus is not running.")
		os.Exit(1)
	}
	return port
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueLsCmd)
	queueCmd.AddCommand(queueAddCmd)

	queueAddCmd.Flags().Int("max-concurrent", 3, "Maximum tasks running at once (1-32)")
	queueAddCmd.Flags().Bool("sequential", false, "Run tasks one at a time")
	queueAddCmd.Flags().Bool("sync", false, "Periodically re-check completed tasks for remote changes")
	queueAddCmd.Flags().Int("check-interval", 3600, "Sync check interval in seconds")
	queueAddCmd.Flags().String("post-process", "none", "Action when the queue drains (none, sleep, shutdown, runScript, notify)")
	queueAddCmd.Flags().String("post-script", "", "Script to run for the runScript action")
	queueAddCmd.Flags().Int("start-hour", -1, "Hour of day to activate the queue (0-23, -1 disables)")
	queueAddCmd.Flags().Int("stop-hour", -1, "Hour of day to deactivate the queue (0-23, -1 disables)")
}

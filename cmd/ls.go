package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/store"
	"github.com/lovinmaxwell/nexus/internal/utils"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List downloads",
	Run: func(cmd *cobra.Command, args []string) {
		statusFilter, _ := cmd.Flags().GetString("status")

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		tasks, err := st.LoadTasks(store.TaskFilter{Status: types.TaskStatus(statusFilter)})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(tasks) == 0 {
			fmt.Println("No downloads.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSIZE\tFILE\tURL")
		for _, t := range tasks {
			size := "?"
			if t.TotalSize > 0 {
				size = utils.HumanBytes(t.TotalSize)
			}
			name := t.Filename
			if name == "" {
				name = "-"
			}
			url := t.URL
			if len(url) > 60 {
				url = url[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID[:8], t.Status, size, name, url)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
	lsCmd.Flags().StringP("status", "s", "", "Filter by status (pending, running, paused, complete, error)")
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause [id]",
	Short: "Pause a download",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		id, err := resolveTaskID(st, args[0])
		st.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		port := readActivePort()
		if port == 0 {
			fmt.Fprintln(os.Stderr, "Error: nexus is not running.")
			os.Exit(1)
		}

		if err := callServer(port, "/pause", "id="+id); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Pausing %s\n", id[:8])
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
}

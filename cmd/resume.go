package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [id]",
	Short: "Resume a paused or failed download",
	Long: `Resume a paused download from its persisted segments.

If the remote file changed since the download started, resuming fails
with a validation error; pass --restart to discard the partial state and
download the new version from scratch.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		restart, _ := cmd.Flags().GetBool("restart")

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

		query := "id=" + id
		if restart {
			query += "&restart=true"
		}
		if err := callServer(port, "/resume", query); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Resumed %s\n", id[:8])
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().Bool("restart", false, "Discard partial state and download from scratch")
}

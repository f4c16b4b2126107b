package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:     "rm [id]",
	Aliases: []string{"cancel"},
	Short:   "Cancel and remove a download",
	Long: `Cancel a running download or remove a stored one. The destination
file, partial or complete, is left on disk.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		id, err := resolveTaskID(st, args[0])
		if err != nil {
			st.Close()
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		port := readActivePort()
		if port != 0 {
			st.Close()
			if err := callServer(port, "/cancel", "id="+id); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		} else {
			// No daemon; delete the stored row directly
			err := st.DeleteTask(id)
			st.Close()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
		fmt.Printf("Removed %s\n", id[:8])
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/lovinmaxwell/nexus/internal/ingress"
)

var addCmd = &cobra.Command{
	Use:   "add [url]...",
	Short: "Add downloads to the running nexus instance",
	Long:  `Add one or more URLs to the download queue of a running nexus instance.`,
	Run: func(cmd *cobra.Command, args []string) {
		batchFile, _ := cmd.Flags().GetString("batch")
		output, _ := cmd.Flags().GetString("output")
		queueID, _ := cmd.Flags().GetString("queue")
		priority, _ := cmd.Flags().GetInt("priority")
		connections, _ := cmd.Flags().GetInt("connections")
		paused, _ := cmd.Flags().GetBool("paused")
		fromClipboard, _ := cmd.Flags().GetBool("clipboard")

		var urls []string
		urls = append(urls, args...)

		if batchFile != "" {
			fileURLs, err := readURLsFromFile(batchFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading batch file: %v\n", err)
				os.Exit(1)
			}
			urls = append(urls, fileURLs...)
		}

		if fromClipboard {
			text, err := clipboard.ReadAll()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading clipboard: %v\n", err)
				os.Exit(1)
			}
			for _, line := range strings.Fields(text) {
				if _, err := ingress.ValidateURL(line); err == nil {
					urls = append(urls, line)
				}
			}
		}

		if len(urls) == 0 {
			cmd.Help()
			return
		}

		port := readActivePort()
		if port == 0 {
			fmt.Println("Error: nexus is not running.")
			fmt.Println("Start it with 'nexus', or use 'nexus get <url>' for a one-off download.")
			os.Exit(1)
		}

		count := 0
		for _, url := range urls {
			req := ingress.Request{
				URL:                  url,
				DestinationFolder:    output,
				QueueID:              queueID,
				Priority:             priority,
				PreferredConnections: connections,
				StartPaused:          paused,
			}
			id, err := sendToServer(req, port)
			if err != nil {
				fmt.Printf("Error adding %s: %v\n", url, err)
				continue
			}
			count++
			if id != "" {
				fmt.Printf("Queued %s (%s)\n", url, id[:8])
			}
		}

		if count > 0 {
			fmt.Printf("Successfully added %d downloads.\n", count)
		}
	},
}

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.Flags().StringP("batch", "b", "", "File containing URLs to download (one per line)")
	addCmd.Flags().StringP("output", "o", "", "Output directory")
	addCmd.Flags().StringP("queue", "q", "", "Queue ID to add the download to")
	addCmd.Flags().Int("priority", 0, "Task priority (higher runs first)")
	addCmd.Flags().IntP("connections", "c", 0, "Preferred connection count (1-32)")
	addCmd.Flags().Bool("paused", false, "Add in paused state")
	addCmd.Flags().Bool("clipboard", false, "Add URLs found in the clipboard")
}

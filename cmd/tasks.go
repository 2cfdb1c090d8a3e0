package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Show finished transfer tasks",
	Long:  "Display the history of transfer tasks that reached a terminal state, newest first.",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		prune, _ := cmd.Flags().GetBool("prune")

		store, err := openStore(cmd)
		if err != nil {
			cmd.PrintErrf("Failed to open store: %v\n", err)
			os.Exit(1)
		}

		if prune {
			if err := store.PruneHistory(); err != nil {
				cmd.PrintErrf("Failed to prune history: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Task history pruned")
			return
		}

		rows, err := store.ListHistory(limit)
		if err != nil {
			cmd.PrintErrf("Failed to list history: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%-10s %-9s %-8s %-5s %-10s %-19s %s\n", "Task", "Direction", "Status", "Prog", "Size", "Finished", "Remote")
		for _, r := range rows {
			id := r.TaskID
			if len(id) > 8 {
				id = id[:8]
			}
			fmt.Printf("%-10s %-9s %-8s %3d%%  %-10s %-19s %s\n",
				id, r.Direction, r.Status, r.Progress, formatSize(r.Size),
				r.FinishedAt.Format("2006-01-02 15:04:05"), r.RemotePath)
		}
	},
}

func init() {
	tasksCmd.Flags().Int("limit", 50, "Maximum number of history rows to show")
	tasksCmd.Flags().Bool("prune", false, "Delete all task history")
	RootCmd.AddCommand(tasksCmd)
}

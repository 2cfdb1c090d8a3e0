package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/skourzh/sshferry/db"
)

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Manage stored pre/post transfer scripts",
}

var scriptAddCmd = &cobra.Command{
	Use:   "add <profile> <name> <body>",
	Short: "Add a stored script to a profile",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		kind, _ := cmd.Flags().GetString("kind")
		position, _ := cmd.Flags().GetInt("position")

		if kind != string(db.ScriptPre) && kind != string(db.ScriptPost) {
			cmd.PrintErrf("Invalid script kind %q, want pre or post\n", kind)
			os.Exit(1)
		}
		store, err := openStore(cmd)
		if err != nil {
			cmd.PrintErrf("Failed to open store: %v\n", err)
			os.Exit(1)
		}
		profile, err := store.GetProfileByName(args[0])
		if err != nil {
			cmd.PrintErrf("Failed to find profile: %v\n", err)
			os.Exit(1)
		}
		script := &db.Script{
			ProfileID: profile.ID,
			Name:      args[1],
			Kind:      db.ScriptKind(kind),
			Body:      args[2],
			Enabled:   true,
			Position:  position,
		}
		if err := store.CreateScript(script); err != nil {
			cmd.PrintErrf("Failed to create script: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Script %s (%s) added to profile %s\n", script.Name, script.Kind, profile.Name)
	},
}

var scriptLsCmd = &cobra.Command{
	Use:   "ls <profile>",
	Short: "List a profile's stored scripts",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore(cmd)
		if err != nil {
			cmd.PrintErrf("Failed to open store: %v\n", err)
			os.Exit(1)
		}
		profile, err := store.GetProfileByName(args[0])
		if err != nil {
			cmd.PrintErrf("Failed to find profile: %v\n", err)
			os.Exit(1)
		}
		scripts, err := store.ListScripts(profile.ID)
		if err != nil {
			cmd.PrintErrf("Failed to list scripts: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%-6s %-6s %-20s %-8s %s\n", "ID", "Kind", "Name", "Enabled", "Body")
		for _, s := range scripts {
			fmt.Printf("%-6d %-6s %-20s %-8t %s\n", s.ID, s.Kind, s.Name, s.Enabled, s.Body)
		}
	},
}

func setScriptEnabled(cmd *cobra.Command, arg string, enabled bool) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		cmd.PrintErrf("Invalid script id %q\n", arg)
		os.Exit(1)
	}
	store, err := openStore(cmd)
	if err != nil {
		cmd.PrintErrf("Failed to open store: %v\n", err)
		os.Exit(1)
	}
	if err := store.SetScriptEnabled(uint(id), enabled); err != nil {
		cmd.PrintErrf("Failed to update script: %v\n", err)
		os.Exit(1)
	}
}

var scriptEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a stored script",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setScriptEnabled(cmd, args[0], true)
		fmt.Printf("Script %s enabled\n", args[0])
	},
}

var scriptDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a stored script",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setScriptEnabled(cmd, args[0], false)
		fmt.Printf("Script %s disabled\n", args[0])
	},
}

var scriptRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a stored script",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			cmd.PrintErrf("Invalid script id %q\n", args[0])
			os.Exit(1)
		}
		store, err := openStore(cmd)
		if err != nil {
			cmd.PrintErrf("Failed to open store: %v\n", err)
			os.Exit(1)
		}
		if err := store.DeleteScript(uint(id)); err != nil {
			cmd.PrintErrf("Failed to delete script: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Script %s removed\n", args[0])
	},
}

func init() {
	scriptAddCmd.Flags().String("kind", "pre", "Script kind: pre or post")
	scriptAddCmd.Flags().Int("position", 0, "Run order among scripts of the same kind")

	scriptCmd.AddCommand(scriptAddCmd)
	scriptCmd.AddCommand(scriptLsCmd)
	scriptCmd.AddCommand(scriptEnableCmd)
	scriptCmd.AddCommand(scriptDisableCmd)
	scriptCmd.AddCommand(scriptRmCmd)
	RootCmd.AddCommand(scriptCmd)
}

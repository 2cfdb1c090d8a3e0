package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skourzh/sshferry/db"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage connection profiles",
}

var profileAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a connection profile",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		user, _ := cmd.Flags().GetString("user")
		password, _ := cmd.Flags().GetString("password")
		keyFile, _ := cmd.Flags().GetString("key")

		authMode := "password"
		if keyFile != "" {
			authMode = "keyfile"
		}

		store, err := openStore(cmd)
		if err != nil {
			cmd.PrintErrf("Failed to open store: %v\n", err)
			os.Exit(1)
		}
		profile := &db.ConnectionProfile{
			Name:     args[0],
			Host:     host,
			Port:     port,
			Username: user,
			AuthMode: authMode,
			Password: password,
			KeyFile:  keyFile,
		}
		if err := store.CreateProfile(profile); err != nil {
			cmd.PrintErrf("Failed to create profile: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Profile %s added\n", profile.Name)
	},
}

var profileLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List connection profiles",
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore(cmd)
		if err != nil {
			cmd.PrintErrf("Failed to open store: %v\n", err)
			os.Exit(1)
		}
		profiles, err := store.ListProfiles()
		if err != nil {
			cmd.PrintErrf("Failed to list profiles: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%-20s %-30s %-12s %-8s\n", "Name", "Host", "User", "Auth")
		for _, p := range profiles {
			port := p.Port
			if port == 0 {
				port = 22
			}
			fmt.Printf("%-20s %-30s %-12s %-8s\n", p.Name, fmt.Sprintf("%s:%d", p.Host, port), p.Username, p.AuthMode)
		}
	},
}

var profileRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Remove a connection profile and its scripts",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore(cmd)
		if err != nil {
			cmd.PrintErrf("Failed to open store: %v\n", err)
			os.Exit(1)
		}
		if err := store.DeleteProfile(args[0]); err != nil {
			cmd.PrintErrf("Failed to delete profile: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Profile %s removed\n", args[0])
	},
}

func init() {
	profileAddCmd.Flags().String("host", "", "Remote host")
	profileAddCmd.Flags().Int("port", 22, "SSH port")
	profileAddCmd.Flags().StringP("user", "u", "", "Username")
	profileAddCmd.Flags().String("password", "", "Password (or set SSHFERRY_PASSWORD)")
	profileAddCmd.Flags().String("key", "", "Path to a private key file")
	profileAddCmd.MarkFlagRequired("host")
	profileAddCmd.MarkFlagRequired("user")

	profileCmd.AddCommand(profileAddCmd)
	profileCmd.AddCommand(profileLsCmd)
	profileCmd.AddCommand(profileRmCmd)
	RootCmd.AddCommand(profileCmd)
}

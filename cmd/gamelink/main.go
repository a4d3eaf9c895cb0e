// Command gamelink keeps a game server linked to its control service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "gamelink",
		Short: "Link a game server to its remote control service",
		Long: `gamelink holds one authenticated websocket to the control service,
answers its requests from the game world and forwards player events.
The link reconnects on its own after network faults.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gamelink.json", "path to the config file")

	rootCmd.AddCommand(
		runCmd(&configPath),
		checkCmd(&configPath),
		initCmd(&configPath),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tavern/internal/logging"
)

var (
	configPath string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "tavern",
	Short: "tavern - LLM-driven interactive adventure engine",
	Long: `tavern runs interactive text adventures against local or remote LLM
backends. Each turn flows through a narrator, character-dialog, and
world-state extractor step, with per-backend admission control and a
lorebook that activates relevant world facts from the conversation.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tavern.yaml", "config file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug log files")

	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(turnCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(backendsCmd)
	rootCmd.AddCommand(loreCmd)

	defer logging.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

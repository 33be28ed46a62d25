package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"tavern/internal/config"
)

// playCmd is the interactive loop: one turn per input line. The config
// file is watched while playing, so backends can be re-pointed without
// restarting the session.
var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play an adventure interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		if adventureID == "" {
			return fmt.Errorf("--adventure is required")
		}

		a, err := openApp(consoleSink())
		if err != nil {
			return err
		}
		defer a.close()

		watcher, err := config.Watch(configPath, a.reloadBackends)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config watch unavailable: %v\n", err)
		} else {
			defer watcher.Stop()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Println("Type your action, or /quit to leave.")
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("\n> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				return nil
			}

			if _, err := a.executor.RunTurn(ctx, adventureID, line); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
			}
		}
	},
}

func init() {
	playCmd.Flags().StringVarP(&adventureID, "adventure", "a", "", "adventure id")
}

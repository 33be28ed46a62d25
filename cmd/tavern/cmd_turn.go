package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tavern/internal/pipeline"
	"tavern/internal/store"
	"tavern/internal/types"
)

var adventureID string

var newCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Start a new adventure",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		title := "Untitled adventure"
		if len(args) > 0 {
			title = args[0]
		}
		id := uuid.NewString()
		if err := a.conversations.Create(cmd.Context(), id, title, store.Metadata{}); err != nil {
			return err
		}
		fmt.Printf("Created adventure %s (%s)\n", id, title)
		return nil
	},
}

var turnCmd = &cobra.Command{
	Use:   "turn \"player action\"",
	Short: "Run one adventure turn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if adventureID == "" {
			return fmt.Errorf("--adventure is required")
		}

		a, err := openApp(consoleSink())
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := a.executor.RunTurn(ctx, adventureID, args[0])
		if err != nil {
			return err
		}
		if result.NewLocation != "" {
			fmt.Printf("\n[moved to %s]\n", result.NewLocation)
		}
		return nil
	},
}

// consoleSink renders pipeline events for the terminal: a role header per
// step, tokens as they stream, errors inline. A detached extractor emits
// from its own goroutine, so the captured state is mutex-guarded.
func consoleSink() pipeline.Sink {
	var mu sync.Mutex
	var lastRole types.StepRole
	streaming := false
	return pipeline.SinkFunc(func(e pipeline.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e.Type {
		case pipeline.EventStepStart:
			fmt.Printf("\n--- %s ---\n", e.Role)
			lastRole = e.Role
			streaming = false
		case pipeline.EventStepToken:
			fmt.Print(e.Token)
			streaming = true
		case pipeline.EventStepComplete:
			if e.Message == nil || e.Message.Content == "" {
				return
			}
			// Streamed content is already on screen.
			if !streaming || e.Role != lastRole {
				fmt.Println(e.Message.Content)
			} else {
				fmt.Println()
			}
		case pipeline.EventPipelineError:
			fmt.Fprintf(os.Stderr, "\n[%s failed: %v]\n", e.Role, e.Err)
		}
	})
}

func init() {
	turnCmd.Flags().StringVarP(&adventureID, "adventure", "a", "", "adventure id")
}

package main

import (
	"os"
	"sync"
	"testing"

	"tavern/internal/pipeline"
	"tavern/internal/types"
)

// A detached extractor emits events from its own goroutine while the next
// turn streams on the main one; the sink must tolerate that. Run with the
// race detector.
func TestConsoleSinkConcurrentEmit(t *testing.T) {
	null, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("failed to open devnull: %v", err)
	}
	defer null.Close()
	stdout, stderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = null, null
	defer func() { os.Stdout, os.Stderr = stdout, stderr }()

	sink := consoleSink()

	var wg sync.WaitGroup
	emit := func(role types.StepRole) {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			sink.Emit(pipeline.Event{Type: pipeline.EventStepStart, Role: role})
			sink.Emit(pipeline.Event{Type: pipeline.EventStepToken, Role: role, Token: "."})
			sink.Emit(pipeline.Event{Type: pipeline.EventExtractorBackground, Role: role, Status: "completed"})
		}
	}

	wg.Add(2)
	go emit(types.StepNarrator)
	go emit(types.StepExtractor)
	wg.Wait()
}

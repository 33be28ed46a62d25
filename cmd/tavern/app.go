package main

import (
	"fmt"
	"path/filepath"

	"tavern/internal/config"
	"tavern/internal/llm"
	"tavern/internal/logging"
	"tavern/internal/lorebook"
	"tavern/internal/pipeline"
	"tavern/internal/store"
	"tavern/internal/world"
)

// app holds the wired subsystems for one CLI invocation.
type app struct {
	cfg           *config.Config
	conversations *store.ConversationStore
	lorebook      *lorebook.Store
	executor      *pipeline.Executor
}

type settingsSource struct{ cfg *config.Config }

func (s settingsSource) GenerationSettings() config.Settings { return s.cfg.Settings }

// openApp loads config, initializes logging and the backend registry, and
// opens the stores.
func openApp(sink pipeline.Sink) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.Logging.Dir, debugMode || cfg.Logging.Debug); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Boot("tavern starting: config=%s backends=%d", configPath, len(cfg.Backends))

	if err := llm.Initialize(cfg.Backends, llm.DefaultFactory); err != nil {
		return nil, fmt.Errorf("failed to initialize backends: %w", err)
	}

	conversations, err := store.NewConversationStore(filepath.Join(cfg.DataDir, "conversations.db"))
	if err != nil {
		return nil, err
	}
	lb, err := lorebook.NewStore(filepath.Join(cfg.DataDir, "lorebook.db"))
	if err != nil {
		conversations.Close()
		return nil, err
	}

	executor := pipeline.NewExecutor(pipeline.Options{
		Registry:   llm.Global(),
		Steps:      cfg.StepsInOrder(),
		Store:      conversations,
		Activator:  lorebook.NewActivator(lb),
		Settings:   settingsSource{cfg},
		Tools:      world.NewTools(lb, cfg.Lorebook, conversations),
		Sink:       sink,
		LorebookID: cfg.Lorebook,
	})

	return &app{
		cfg:           cfg,
		conversations: conversations,
		lorebook:      lb,
		executor:      executor,
	}, nil
}

// reloadBackends re-reads the config and atomically reinitializes the
// registry. A config that fails to load leaves the running registry alone.
func (a *app) reloadBackends() {
	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Config("reload skipped: %v", err)
		return
	}
	if err := llm.Initialize(cfg.Backends, llm.DefaultFactory); err != nil {
		logging.Config("reload skipped: %v", err)
		return
	}
	logging.Config("backends reinitialized: %d configured", len(cfg.Backends))
}

func (a *app) close() {
	a.executor.WaitBackground()
	a.lorebook.Close()
	a.conversations.Close()
}

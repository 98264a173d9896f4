package main

import (
	"fmt"
	"log/slog"

	"parley/internal/adapter/llm"
	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/usecase/argextract"
)

// LLMComponents holds the LLM-backed collaborators of the engine.
type LLMComponents struct {
	Registry  *llm.Registry
	Decider   domain.Decider
	Extractor *argextract.Extractor
}

// initLLM builds the provider registry, the decision maker and the argument
// extractor. Without an extraction provider the extractor runs rules only.
func initLLM(cfg *config.Config, log *slog.Logger) (*LLMComponents, error) {
	registry, err := llm.NewRegistryFromConfig(cfg.LLM, log)
	if err != nil {
		return nil, err
	}

	var argLLM domain.ArgumentLLM
	if name := cfg.LLM.Extraction.Provider; name != "" {
		p, err := registry.Get(name)
		if err != nil {
			return nil, fmt.Errorf("extraction provider: %w", err)
		}
		argLLM = llm.NewArgumentExtractor(p, cfg.LLM.Extraction.Model)
	}

	log.Info("llm providers ready",
		"providers", registry.List(),
		"default", cfg.LLM.DefaultProvider,
		"extraction", cfg.LLM.Extraction.Provider,
	)
	return &LLMComponents{
		Registry:  registry,
		Decider:   llm.NewChatDecider(registry, log),
		Extractor: argextract.New(argLLM, log),
	}, nil
}

package config

// LLMConfig holds the llama.cpp server child-process settings.
type LLMConfig struct {
	// ModelsDir is where GGUF model files live.
	ModelsDir string

	// ServerPort is the loopback port the server binds to.
	ServerPort int

	// ContextSize is the model context window passed at spawn.
	ContextSize int

	// Threads is the CPU thread count passed at spawn.
	Threads int

	// GPULayers is the number of layers offloaded to the GPU (0 = CPU only).
	GPULayers int
}

// loadLLMConfig reads LLM settings from the environment.
func loadLLMConfig() (*LLMConfig, error) {
	cfg := &LLMConfig{
		ModelsDir: getEnvOrDefault("LLM_MODELS_DIR", "models/llm"),
	}
	var err error
	if cfg.ServerPort, err = getEnvIntOrDefault("LLM_SERVER_PORT", 8081); err != nil {
		return nil, err
	}
	if cfg.ContextSize, err = getEnvIntOrDefault("LLM_CONTEXT_SIZE", 4096); err != nil {
		return nil, err
	}
	if cfg.Threads, err = getEnvIntOrDefault("LLM_THREADS", 4); err != nil {
		return nil, err
	}
	if cfg.GPULayers, err = getEnvIntOrDefault("LLM_GPU_LAYERS", 0); err != nil {
		return nil, err
	}
	return cfg, nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

type LLMProvider string

const (
	ProviderOllama    LLMProvider = "ollama"
	ProviderOllamaCLI LLMProvider = "ollama-cli"
	ProviderOpenAI    LLMProvider = "openai"
	ProviderYandex    LLMProvider = "yandex"
)

type SandboxEngine string

const (
	EngineStarlark SandboxEngine = "starlark"
	EngineDocker   SandboxEngine = "docker"
)

type Config struct {
	// LLM settings
	LLMProvider    LLMProvider   `env:"LLM_PROVIDER" envDefault:"ollama"`
	LLMTimeout     time.Duration `env:"LLM_TIMEOUT" envDefault:"2m"`
	LLMTemperature float64       `env:"LLM_TEMPERATURE" envDefault:"0.2"`
	OllamaBaseURL  string        `env:"OLLAMA_BASE_URL" envDefault:"http://localhost:11434"`
	OllamaModel    string        `env:"OLLAMA_MODEL" envDefault:"tinyllama"`
	OllamaBinary   string        `env:"OLLAMA_BIN" envDefault:"ollama"`
	OpenAIAPIKey   string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string        `env:"OPENAI_BASE_URL"`
	OpenAIModel    string        `env:"OPENAI_MODEL" envDefault:"tinyllama"`

	// OpenRouter (optional)
	OpenRouterReferrer string `env:"OPENROUTER_REFERRER"`
	OpenRouterTitle    string `env:"OPENROUTER_TITLE"`

	YandexOAuthToken string `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID   string `env:"YANDEX_FOLDER_ID"`

	// Prompts
	SystemPromptPath string `env:"SYSTEM_PROMPT_PATH" envDefault:"prompts/system_prompt.txt"`

	// Sandbox
	SandboxEngine    SandboxEngine `env:"SANDBOX_ENGINE" envDefault:"starlark"`
	SandboxTimeout   time.Duration `env:"SANDBOX_TIMEOUT" envDefault:"10s"`
	SandboxMaxSteps  uint64        `env:"SANDBOX_MAX_STEPS" envDefault:"10000000"`
	SandboxMaxOutput int           `env:"SANDBOX_MAX_OUTPUT" envDefault:"65536"`
	SandboxWorkers   int           `env:"SANDBOX_WORKERS" envDefault:"2"`
	SandboxQueue     int           `env:"SANDBOX_QUEUE" envDefault:"8"`
	DockerImage      string        `env:"DOCKER_IMAGE" envDefault:"python:3.12-slim"`
	DockerMemory     string        `env:"DOCKER_MEMORY" envDefault:"256m"`
	DockerCPUs       string        `env:"DOCKER_CPUS" envDefault:"1"`
	DockerPidsLimit  int           `env:"DOCKER_PIDS_LIMIT" envDefault:"64"`

	// Session memory
	MemoryCapacity     int `env:"MEMORY_CAPACITY" envDefault:"50"`
	MemoryMaxSessions  int `env:"MEMORY_MAX_SESSIONS" envDefault:"1000"`
	MemoryContextTurns int `env:"MEMORY_CONTEXT_TURNS" envDefault:"3"`
	MemoryContextChars int `env:"MEMORY_CONTEXT_CHARS" envDefault:"200"`

	// Storage
	InteractionLogPath   string `env:"INTERACTION_LOG_PATH" envDefault:"logs/assistant_log.txt"`
	InteractionLogFormat string `env:"INTERACTION_LOG_FORMAT" envDefault:"text"`

	// Application logging
	LogLevel string `env:"APP_LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"APP_LOG_FILE"`

	// Web form
	HTTPAddr       string `env:"HTTP_ADDR" envDefault:":5050"`
	UploadMaxBytes int64  `env:"UPLOAD_MAX_BYTES" envDefault:"10485760"`
	PreviewRows    int    `env:"PREVIEW_ROWS" envDefault:"5"`
	ReportCron     string `env:"REPORT_CRON" envDefault:"0 21 * * *"`

	// Telegram front-end
	TelegramBotToken  string  `env:"TELEGRAM_BOT_TOKEN"`
	AllowedUsers      []int64 `env:"ALLOWED_USERS" envSeparator:":"`
	AllowlistFilePath string  `env:"ALLOWLIST_FILE_PATH" envDefault:"data/allowlist.json"`
	PendingFilePath   string  `env:"PENDING_FILE_PATH" envDefault:"data/pending.json"`
	AdminUserID       int64   `env:"ADMIN_USER_ID"`

	// MCP tool server; stdio when empty
	MCPHTTPAddr string `env:"MCP_HTTP_ADDR"`

	// Agent
	AgentMaxIterations int `env:"AGENT_MAX_ITERATIONS" envDefault:"5"`
	SearchMaxResults   int `env:"SEARCH_MAX_RESULTS" envDefault:"5"`
}

// New parses the configuration from the environment and validates it.
func New() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.LLMProvider {
	case ProviderOllama, ProviderOllamaCLI, ProviderOpenAI, ProviderYandex:
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	switch c.SandboxEngine {
	case EngineStarlark, EngineDocker:
	default:
		return fmt.Errorf("unknown SANDBOX_ENGINE %q", c.SandboxEngine)
	}
	switch strings.ToLower(c.InteractionLogFormat) {
	case "text", "jsonl":
	default:
		return fmt.Errorf("unknown INTERACTION_LOG_FORMAT %q", c.InteractionLogFormat)
	}
	if c.SandboxWorkers < 1 {
		return fmt.Errorf("SANDBOX_WORKERS must be at least 1, got %d", c.SandboxWorkers)
	}
	if c.SandboxQueue < 0 {
		return fmt.Errorf("SANDBOX_QUEUE must not be negative, got %d", c.SandboxQueue)
	}
	if c.SandboxTimeout <= 0 {
		return fmt.Errorf("SANDBOX_TIMEOUT must be positive")
	}
	if c.MemoryCapacity < 1 {
		return fmt.Errorf("MEMORY_CAPACITY must be at least 1, got %d", c.MemoryCapacity)
	}
	if c.MemoryContextTurns < 0 || c.MemoryContextTurns > c.MemoryCapacity {
		return fmt.Errorf("MEMORY_CONTEXT_TURNS must be within [0, %d]", c.MemoryCapacity)
	}
	return nil
}

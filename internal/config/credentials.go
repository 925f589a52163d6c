package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Credentials are provider secrets read from the process environment.
type Credentials struct {
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL"`
	RedisURL        string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
}

// LoadDotEnv loads the given .env files into the environment. Missing files
// are ignored; existing variables are never overridden.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !isNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadCredentials parses provider credentials from the environment.
func LoadCredentials() (Credentials, error) {
	var creds Credentials
	if err := env.Parse(&creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return creds, nil
}

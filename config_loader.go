package medvault

import (
	"fmt"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// LoadConfigFromEnvironment loads configuration from MEDVAULT_* environment variables.
//
// A .env file in the working directory is loaded first when present, so local
// development does not need exported variables. Values already present in the
// environment win over the file.
//
//	cfg, err := medvault.LoadConfigFromEnvironment()
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfigFromEnvironment(files ...string) (Config, error) {
	// Missing .env files are expected outside of development.
	_ = godotenv.Load(files...)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Package config resolves the run configuration exactly once at startup.
// Every component receives its slice of this struct by parameter; nothing
// reads the environment after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects the backend implementation.
type Mode string

const (
	ModeMock Mode = "mock"
	ModeAWS  Mode = "aws"
)

// Config is the immutable run configuration.
type Config struct {
	Mode Mode

	// Filter holds comma-separated case-name fragments; empty runs all.
	Filter string

	Environment       string
	ConnectRegion     string
	MediaRegion       string
	ConnectInstanceID string
	SipMediaAppID     string
	SourceNumber      string
	ConversationTable string

	BotID      string
	BotAliasID string
	LocaleID   string

	DispatchAttempts int
	DispatchDelay    time.Duration
	VerifyBudget     time.Duration
	VerifyInterval   time.Duration

	// ProvisionStack provisions the conversation table, and the media
	// handler function when HandlerName is set, before the first case.
	// Without it the run assumes the deployment already exists.
	ProvisionStack bool
	HandlerName    string
	HandlerRoleARN string
	HandlerZipPath string
}

// Load reads an optional .env file and then the process environment. A
// missing .env file is not an error; explicit environment always wins
// because godotenv never overwrites existing variables.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := Config{
		Mode:              ModeAWS,
		Filter:            os.Getenv("REGRESSION_TEST_FILTER"),
		Environment:       getDefault("ENV_NAME", "dev"),
		ConnectRegion:     getDefault("AWS_REGION", "us-east-1"),
		MediaRegion:       getDefault("CHIME_AWS_REGION", "us-east-1"),
		ConnectInstanceID: os.Getenv("CONNECT_INSTANCE_ID"),
		SipMediaAppID:     os.Getenv("CHIME_SMA_ID"),
		SourceNumber:      os.Getenv("CHIME_PHONE_NUMBER"),
		BotID:             os.Getenv("LEX_BOT_ID"),
		BotAliasID:        os.Getenv("LEX_BOT_ALIAS_ID"),
		LocaleID:          getDefault("LEX_LOCALE_ID", "en_US"),
		DispatchAttempts:  3,
		DispatchDelay:     30 * time.Second,
		VerifyBudget:      5 * time.Minute,
		VerifyInterval:    5 * time.Second,
	}
	cfg.ConversationTable = getDefault("DYNAMODB_TABLE_NAME", "VoiceTestState-"+cfg.Environment)

	if mock, _ := strconv.ParseBool(os.Getenv("MOCK_AWS")); mock {
		cfg.Mode = ModeMock
	}
	if provision, _ := strconv.ParseBool(os.Getenv("PROVISION_TEST_STACK")); provision {
		cfg.ProvisionStack = true
		cfg.HandlerName = os.Getenv("TEST_HANDLER_NAME")
		cfg.HandlerRoleARN = os.Getenv("TEST_HANDLER_ROLE_ARN")
		cfg.HandlerZipPath = os.Getenv("TEST_HANDLER_ZIP")
	}

	var err error
	if cfg.DispatchAttempts, err = intVar("DISPATCH_RETRY_ATTEMPTS", cfg.DispatchAttempts); err != nil {
		return Config{}, err
	}
	if cfg.DispatchDelay, err = durationVar("DISPATCH_RETRY_DELAY", cfg.DispatchDelay); err != nil {
		return Config{}, err
	}
	if cfg.VerifyBudget, err = durationVar("VERIFY_TIMEOUT", cfg.VerifyBudget); err != nil {
		return Config{}, err
	}
	if cfg.VerifyInterval, err = durationVar("VERIFY_POLL_INTERVAL", cfg.VerifyInterval); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the selected mode has the identifiers it needs. The
// mock backend needs none of them.
func (c Config) Validate() error {
	if c.Mode == ModeMock {
		return nil
	}
	var missing []string
	if c.ConnectInstanceID == "" {
		missing = append(missing, "CONNECT_INSTANCE_ID")
	}
	if c.SipMediaAppID == "" {
		missing = append(missing, "CHIME_SMA_ID")
	}
	if c.SourceNumber == "" {
		missing = append(missing, "CHIME_PHONE_NUMBER")
	}
	if c.ProvisionStack && c.HandlerName != "" {
		if c.HandlerRoleARN == "" {
			missing = append(missing, "TEST_HANDLER_ROLE_ARN")
		}
		if c.HandlerZipPath == "" {
			missing = append(missing, "TEST_HANDLER_ZIP")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("aws mode requires %s", strings.Join(missing, ", "))
	}
	return nil
}

// FilterFragments splits the case filter into trimmed lowercase fragments.
func (c Config) FilterFragments() []string {
	if strings.TrimSpace(c.Filter) == "" {
		return nil
	}
	parts := strings.Split(c.Filter, ",")
	fragments := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.ToLower(strings.TrimSpace(part)); trimmed != "" {
			fragments = append(fragments, trimmed)
		}
	}
	return fragments
}

func getDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func intVar(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func durationVar(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

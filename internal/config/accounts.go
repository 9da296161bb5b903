package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Account is one provider subscription. Each account gets its own event
// stream and snapshot connection.
type Account struct {
	Name           string `yaml:"name" validate:"required"`
	SubscriptionID string `yaml:"subscription_id" validate:"required"`
	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string `yaml:"token_env" validate:"required"`
}

// Token reads the account's bearer token from the environment.
func (a Account) Token() (string, error) {
	tok := strings.TrimSpace(os.Getenv(a.TokenEnv))
	if tok == "" {
		return "", fmt.Errorf("account %s: environment variable %s is empty", a.Name, a.TokenEnv)
	}
	return tok, nil
}

type accountsFile struct {
	Accounts []Account `yaml:"accounts" validate:"required,min=1,dive"`
}

// LoadAccounts reads and validates the accounts file at path. Subscription
// ids must be unique.
func LoadAccounts(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid accounts file %s: %w", path, err)
	}

	seen := make(map[string]string, len(f.Accounts))
	for _, a := range f.Accounts {
		key := strings.ToLower(a.SubscriptionID)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("accounts %s and %s share subscription %s", prev, a.Name, a.SubscriptionID)
		}
		seen[key] = a.Name
	}
	return f.Accounts, nil
}

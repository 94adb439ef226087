// Package secrets keeps the generator credential in the OS keychain instead
// of the database, so a copied db file never leaks it.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// Service groups this app's secrets in the OS keychain
const Service = "jobhound"

// envKey overrides the keychain when set, mostly for headless machines
const envKey = "JOBHOUND_API_KEY"

func account(username string) string {
	return fmt.Sprintf("jobhound:generator:%s", username)
}

// APIKey returns the generator credential for the user, the environment
// taking precedence over the keychain.
func APIKey(username string) (string, error) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v, nil
	}
	if strings.TrimSpace(username) == "" {
		return "", errors.New("username is empty")
	}
	key, err := keyring.Get(Service, account(username))
	if err != nil {
		return "", fmt.Errorf("api key not found for %s (set it with 'secret set-api-key' or %s): %w", username, envKey, err)
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("api key for %s is empty", username)
	}
	return key, nil
}

// SetAPIKey stores the generator credential in the keychain.
func SetAPIKey(username, key string) error {
	if strings.TrimSpace(username) == "" {
		return errors.New("username is empty")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("api key is empty")
	}
	return keyring.Set(Service, account(username), key)
}

// DeleteAPIKey removes the credential from the keychain.
func DeleteAPIKey(username string) error {
	if strings.TrimSpace(username) == "" {
		return errors.New("username is empty")
	}
	return keyring.Delete(Service, account(username))
}

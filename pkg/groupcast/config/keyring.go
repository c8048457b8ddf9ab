package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const keyringService = "groupcast"

// Secret names accepted by the token commands.
const (
	SecretCatalog = "catalog"
	SecretGateway = "gateway"
)

var secretEnv = map[string]string{
	SecretCatalog: "GROUPCAST_CATALOG_TOKEN",
	SecretGateway: "GROUPCAST_GATEWAY_TOKEN",
}

func keyringKey(secret string) (string, error) {
	if _, ok := secretEnv[secret]; !ok {
		return "", fmt.Errorf("unknown secret %q (want %s or %s)", secret, SecretCatalog, SecretGateway)
	}
	return secret + "_token", nil
}

// StoreSecret saves a secret in the OS keyring.
func StoreSecret(secret, value string) error {
	key, err := keyringKey(secret)
	if err != nil {
		return err
	}
	return keyring.Set(keyringService, key, value)
}

// DeleteSecret removes a secret from the OS keyring.
func DeleteSecret(secret string) error {
	key, err := keyringKey(secret)
	if err != nil {
		return err
	}
	return keyring.Delete(keyringService, key)
}

func getSecret(secret string) string {
	key, err := keyringKey(secret)
	if err != nil {
		return ""
	}
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// ResolveSecrets fills the catalog and gateway tokens. A value already set in
// the file wins, then the OS keyring, then the environment.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	cfg.Catalog.Token = resolve(SecretCatalog, cfg.Catalog.Token, logger)
	cfg.Gateway.AuthToken = resolve(SecretGateway, cfg.Gateway.AuthToken, logger)
}

func resolve(secret, current string, logger *slog.Logger) string {
	if current != "" && !isEnvReference(current) {
		return current
	}
	if val := getSecret(secret); val != "" {
		logger.Debug("secret loaded from OS keyring", "secret", secret)
		return val
	}
	if val := os.Getenv(secretEnv[secret]); val != "" {
		logger.Debug("secret loaded from environment", "secret", secret)
		return val
	}
	return ""
}

func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// ReadSecret prompts for a value without echo when stdin is a terminal and
// reads one line otherwise.
func ReadSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}

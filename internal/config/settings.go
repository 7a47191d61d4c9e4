// Package config wraps the settings key-value table behind typed
// getters/setters with defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"

	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/core"
)

// Keys for settings in the key-value table.
const (
	KeyDownloadMaxConcurrency = "download_max_concurrency"
	KeyDownloadDirectory      = "download_directory"
	KeyUploadMaxConcurrency   = "upload_max_concurrency"
	KeyControlPort            = "control_port"
	KeyControlToken           = "control_token"
)

const (
	// DefaultDownloadConcurrency and DefaultUploadConcurrency are clamped
	// to [1, 8] like every concurrency setting.
	DefaultDownloadConcurrency = 4
	DefaultUploadConcurrency   = 2
	DefaultControlPort         = 47113
)

// ConfigManager is a small typed facade over core.SettingsStore.
type ConfigManager struct {
	store core.SettingsStore
}

func NewConfigManager(store core.SettingsStore) *ConfigManager {
	return &ConfigManager{store: store}
}

// GetDownloadMaxConcurrency returns the configured concurrency limit,
// clamped to [1, 8], defaulting to 4.
func (c *ConfigManager) GetDownloadMaxConcurrency() int {
	return c.clampedInt(KeyDownloadMaxConcurrency, DefaultDownloadConcurrency)
}

func (c *ConfigManager) SetDownloadMaxConcurrency(n int) error {
	if n < 1 {
		n = 1
	}
	if n > core.MaxPermitCap {
		n = core.MaxPermitCap
	}
	return c.store.SetSetting(KeyDownloadMaxConcurrency, strconv.Itoa(n))
}

func (c *ConfigManager) GetUploadMaxConcurrency() int {
	return c.clampedInt(KeyUploadMaxConcurrency, DefaultUploadConcurrency)
}

func (c *ConfigManager) SetUploadMaxConcurrency(n int) error {
	if n < 1 {
		n = 1
	}
	if n > core.MaxPermitCap {
		n = core.MaxPermitCap
	}
	return c.store.SetSetting(KeyUploadMaxConcurrency, strconv.Itoa(n))
}

func (c *ConfigManager) clampedInt(key string, def int) int {
	val, ok, err := c.store.GetSetting(key)
	if err != nil || !ok {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	if n < 1 {
		n = 1
	}
	if n > core.MaxPermitCap {
		n = core.MaxPermitCap
	}
	return n
}

// GetDownloadDirectory returns the configured target directory, falling
// back to the OS downloads directory with a skydrivex subfolder.
func (c *ConfigManager) GetDownloadDirectory() (string, error) {
	val, ok, err := c.store.GetSetting(KeyDownloadDirectory)
	if err != nil {
		return "", err
	}
	if ok && val != "" {
		return val, nil
	}
	return core.DefaultDownloadDirectory()
}

func (c *ConfigManager) SetDownloadDirectory(dir string) error {
	return c.store.SetSetting(KeyDownloadDirectory, dir)
}

// GetControlPort returns the loopback control-surface port, defaulting to
// DefaultControlPort.
func (c *ConfigManager) GetControlPort() int {
	return c.clampedPort(KeyControlPort, DefaultControlPort)
}

func (c *ConfigManager) SetControlPort(port int) error {
	return c.store.SetSetting(KeyControlPort, strconv.Itoa(port))
}

func (c *ConfigManager) clampedPort(key string, def int) int {
	val, ok, err := c.store.GetSetting(key)
	if err != nil || !ok {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 || n > 65535 {
		return def
	}
	return n
}

// GetControlToken returns the bearer token the loopback control surface
// requires, generating and persisting one on first use.
func (c *ConfigManager) GetControlToken() string {
	val, ok, err := c.store.GetSetting(KeyControlToken)
	if err == nil && ok && val != "" {
		return val
	}
	token := generateSecureToken()
	_ = c.store.SetSetting(KeyControlToken, token)
	return token
}

func generateSecureToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "skydrivex-fallback-token-change-me"
	}
	return hex.EncodeToString(b)
}

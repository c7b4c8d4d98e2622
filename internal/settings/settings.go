package settings

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting bool `json:"crashReporting"` // Whether to send crash reports to Sentry
	// AutoProcessing overrides the configured default when set.
	AutoProcessing *bool `json:"autoProcessing,omitempty"`
	// AID is the hex application identifier selected on ISO 14443-4 cards.
	AID string `json:"aid,omitempty"`
}

var (
	current  *Settings
	mu       sync.RWMutex
	filePath string
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting: false, // Opt-in, disabled by default
	}
}

// SetPath makes Load and Save use path instead of the per-user config file.
func SetPath(path string) {
	mu.Lock()
	filePath = path
	current = nil
	mu.Unlock()
}

func settingsPath() (string, error) {
	if filePath != "" {
		return filePath, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "nfc-pcsc", "settings.json"), nil
}

// Load reads settings from disk, or returns defaults if the file doesn't exist.
func Load() (*Settings, error) {
	mu.Lock()
	defer mu.Unlock()
	return loadLocked()
}

func loadLocked() (*Settings, error) {
	current = DefaultSettings()

	path, err := settingsPath()
	if err != nil {
		return current, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return current, nil
		}
		return current, err
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return current, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := validateAID(s.AID); err != nil {
		return current, fmt.Errorf("parse %s: %w", path, err)
	}

	current = &s
	return current, nil
}

// Save writes the current settings to disk.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return saveLocked()
}

func saveLocked() error {
	if current == nil {
		current = DefaultSettings()
	}

	path, err := settingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Get returns a copy of the current settings, loading them on first use.
func Get() Settings {
	mu.RLock()
	if current != nil {
		s := *current
		mu.RUnlock()
		return s
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		if _, err := loadLocked(); err != nil {
			logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{"error": err.Error()})
		}
	}
	return *current
}

func update(fn func(s *Settings)) error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		if _, err := loadLocked(); err != nil {
			current = DefaultSettings()
		}
	}
	fn(current)
	return saveLocked()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	return update(func(s *Settings) { s.CrashReporting = enabled })
}

// SetAutoProcessing stores the auto-processing preference and saves.
func SetAutoProcessing(enabled bool) error {
	return update(func(s *Settings) { s.AutoProcessing = &enabled })
}

// SetAID stores the default AID (hex, may be empty to clear) and saves.
func SetAID(aid string) error {
	aid = strings.ToUpper(strings.TrimSpace(aid))
	if err := validateAID(aid); err != nil {
		return err
	}
	return update(func(s *Settings) { s.AID = aid })
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}

func validateAID(aid string) error {
	if aid == "" {
		return nil
	}
	b, err := hex.DecodeString(aid)
	if err != nil {
		return fmt.Errorf("aid must be hex: %w", err)
	}
	if len(b) < 5 || len(b) > 16 {
		return fmt.Errorf("aid must be 5 to 16 bytes, got %d", len(b))
	}
	return nil
}

package feedsync

import (
	"context"
	"fmt"
	"log/slog"
)

// ThemeMode is the user's color scheme preference.
type ThemeMode string

const (
	ThemeLight ThemeMode = "light"
	ThemeDark  ThemeMode = "dark"
	ThemeAuto  ThemeMode = "auto"
)

// ParseThemeMode validates a mode string.
func ParseThemeMode(s string) (ThemeMode, error) {
	switch m := ThemeMode(s); m {
	case ThemeLight, ThemeDark, ThemeAuto:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidThemeMode, s)
}

// IsDark resolves a mode against the system scheme.
func (m ThemeMode) IsDark(systemDark bool) bool {
	return m == ThemeDark || (m == ThemeAuto && systemDark)
}

// Preferences stores user settings next to the offline queue.
type Preferences struct {
	storage Storage
	logger  *slog.Logger
}

// NewPreferences creates a preference store. logger may be nil.
func NewPreferences(storage Storage, logger *slog.Logger) *Preferences {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Preferences{storage: storage, logger: logger}
}

// Theme returns the saved mode. Missing, unreadable or unknown values read as
// ThemeAuto.
func (p *Preferences) Theme(ctx context.Context) ThemeMode {
	raw, ok, err := p.storage.GetItem(ctx, ThemeStorageKey)
	if err != nil {
		p.logger.Warn("failed to load theme preference", "error", err)
		return ThemeAuto
	}
	if !ok {
		return ThemeAuto
	}
	mode, err := ParseThemeMode(raw)
	if err != nil {
		return ThemeAuto
	}
	return mode
}

// SetTheme saves mode.
func (p *Preferences) SetTheme(ctx context.Context, mode ThemeMode) error {
	if _, err := ParseThemeMode(string(mode)); err != nil {
		return err
	}
	if err := p.storage.SetItem(ctx, ThemeStorageKey, string(mode)); err != nil {
		return fmt.Errorf("save theme preference: %w", err)
	}
	return nil
}

package backend

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/juaninavos/jerseymarket/core/logger"
)

// registry keys
const (
	settingsPrefix   = "_settings_"
	settingsKey      = "market"
	jwtPrefix        = "_jwt_"
	jwtSigningKeyKey = "signing-key"
)

// Settings are the admin editable marketplace settings
type Settings struct {
	// MinIncrement is the default minimum bid increment in cents for new auctions
	MinIncrement int64 `json:"min_increment" validate:"gte=1,lte=100000000000"`
	// ExtensionSeconds is the anti-sniping window. A bid within this window before the
	// end moves the end to now plus the window. 0 disables the extension.
	ExtensionSeconds int `json:"extension_seconds" validate:"gte=0,lte=3600"`
	// DefaultDurationHours is used for auctions created without ends_at
	DefaultDurationHours int `json:"default_duration_hours" validate:"gte=1,lte=720"`
}

// DefaultSettings returns the settings of a fresh marketplace
func DefaultSettings() Settings {
	return Settings{
		MinIncrement:         100,
		ExtensionSeconds:     300,
		DefaultDurationHours: 72,
	}
}

// Extension returns the anti-sniping window
func (s Settings) Extension() time.Duration {
	return time.Duration(s.ExtensionSeconds) * time.Second
}

// DefaultDuration returns the duration of auctions created without ends_at
func (s Settings) DefaultDuration() time.Duration {
	return time.Duration(s.DefaultDurationHours) * time.Hour
}

// Settings returns the current marketplace settings
func (b *Backend) Settings() Settings {
	b.settingsLock.RLock()
	defer b.settingsLock.RUnlock()
	return b.settings
}

// loadSettings reads the settings from the registry. Missing settings keep the defaults.
func (b *Backend) loadSettings(ctx context.Context) error {
	settings := DefaultSettings()
	timestamp, err := b.Registry.Accessor(settingsPrefix).Read(ctx, settingsKey, &settings)
	if err != nil {
		return fmt.Errorf("cannot read settings: %w", err)
	}
	if timestamp.IsZero() {
		settings = DefaultSettings()
	}
	b.settingsLock.Lock()
	b.settings = settings
	b.settingsLock.Unlock()
	return nil
}

// UpdateSettings validates and persists new settings
func (b *Backend) UpdateSettings(ctx context.Context, settings Settings) error {
	if err := validate.Struct(settings); err != nil {
		return fmt.Errorf("%w: %s", errBadRequest, err.Error())
	}
	if err := b.Registry.Accessor(settingsPrefix).Write(ctx, settingsKey, settings); err != nil {
		return err
	}
	b.settingsLock.Lock()
	b.settings = settings
	b.settingsLock.Unlock()
	return nil
}

// signingKey returns the JWT signing key from the registry. The key is created on first use.
func (b *Backend) signingKey(ctx context.Context) ([]byte, error) {
	accessor := b.Registry.Accessor(jwtPrefix)
	var encoded string
	timestamp, err := accessor.Read(ctx, jwtSigningKeyKey, &encoded)
	if err != nil {
		return nil, fmt.Errorf("cannot read signing key: %w", err)
	}
	if !timestamp.IsZero() && len(encoded) > 0 {
		return base64.StdEncoding.DecodeString(encoded)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := accessor.Write(ctx, jwtSigningKeyKey, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("cannot store signing key: %w", err)
	}
	logger.FromContext(ctx).Infoln("created new jwt signing key")
	return key, nil
}

func (b *Backend) handleSettings(router *mux.Router) {
	logger.Default().Debugln("settings")
	logger.Default().Debugln("  handle route: /admin/settings GET,PUT")

	router.HandleFunc("/admin/settings", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		writeJSON(w, http.StatusOK, b.Settings())
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/admin/settings", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		var settings Settings
		if err := decodeBody(r, &settings); err != nil {
			writeError(w, r, 4501, err)
			return
		}
		if err := b.UpdateSettings(r.Context(), settings); err != nil {
			writeError(w, r, 4502, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	}).Methods(http.MethodOptions, http.MethodPut)
}

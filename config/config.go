// Package config loads call configuration from the environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// EnvPrefix is prepended to every environment variable this package reads.
const EnvPrefix = "CALL_"

// Config is everything the call core takes from its environment.
type Config struct {
	// TURNURL is an optional single TURN server, e.g. "turn:turn.example.com:3478".
	TURNURL        string `mapstructure:"TURN_URL"`
	TURNUsername   string `mapstructure:"TURN_USERNAME"`
	TURNCredential string `mapstructure:"TURN_CREDENTIAL"`

	// ForceRelay makes every peer connection relay-only. Meant for testing TURN.
	ForceRelay bool `mapstructure:"FORCE_RELAY"`

	RelayURL   string `mapstructure:"RELAY_URL"`
	RelayToken string `mapstructure:"RELAY_TOKEN"`

	UserID     string `mapstructure:"USER_ID"`
	UserName   string `mapstructure:"USER_NAME"`
	UserAvatar string `mapstructure:"USER_AVATAR"`

	Debug                 bool          `mapstructure:"DEBUG"`
	FullMesh              bool          `mapstructure:"FULL_MESH"`
	BufferEarlyCandidates bool          `mapstructure:"BUFFER_EARLY_CANDIDATES"`
	RingTimeout           time.Duration `mapstructure:"RING_TIMEOUT"`

	// RecoverFailed also restarts connections that ICE reports as failed.
	// Off by default: only new, checking and disconnected connections are
	// recovered.
	RecoverFailed bool `mapstructure:"RECOVER_FAILED"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{BufferEarlyCandidates: true}
}

// HasTURN reports whether a TURN server was configured.
func (c Config) HasTURN() bool {
	return c.TURNURL != ""
}

// Validate checks that the configuration is self-consistent.
func (c Config) Validate() error {
	if c.TURNURL != "" && !strings.HasPrefix(c.TURNURL, "turn:") && !strings.HasPrefix(c.TURNURL, "turns:") {
		return errors.Errorf("TURN URL %q must use the turn: or turns: scheme", c.TURNURL)
	}
	if c.TURNURL == "" && (c.TURNUsername != "" || c.TURNCredential != "") {
		return errors.New("TURN credentials given without a TURN URL")
	}
	if c.ForceRelay && c.TURNURL == "" {
		return errors.New("forcing relay-only transport requires a TURN URL")
	}
	if c.RingTimeout < 0 {
		return errors.New("ring timeout cannot be negative")
	}
	return nil
}

// FromEnv reads the process environment, after loading any of the given
// dotenv files that exist. Variables already set in the environment win over
// values in the files.
func FromEnv(envFiles ...string) (Config, error) {
	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return Config{}, errors.Wrapf(err, "error loading env file %q", file)
		}
	}
	return FromMap(environ())
}

// FromFile reads configuration solely from a dotenv file, ignoring the process environment.
func FromFile(path string) (Config, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "error reading env file %q", path)
	}
	return FromMap(values)
}

// FromMap decodes prefixed keys (CALL_*) into a Config. Empty values are
// treated as unset.
func FromMap(values map[string]string) (Config, error) {
	raw := make(map[string]interface{}, len(values))
	for key, val := range values {
		if !strings.HasPrefix(key, EnvPrefix) || strings.TrimSpace(val) == "" {
			continue
		}
		raw[strings.TrimPrefix(key, EnvPrefix)] = val
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, errors.Wrap(err, "error decoding configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func environ() map[string]string {
	env := os.Environ()
	values := make(map[string]string, len(env))
	for _, kv := range env {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		values[key] = val
	}
	return values
}

// Package config loads the relay configuration from a TOML file, .env files
// and the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/matt0x6f/cascade-relay/internal/security"
	"github.com/matt0x6f/cascade-relay/internal/session"
	"github.com/matt0x6f/cascade-relay/internal/validation"
)

// Config is the whole relay configuration.
type Config struct {
	Listen    string `toml:"listen" env:"RELAY_LISTEN" validate:"required,hostname_port"`
	Database  string `toml:"database" env:"RELAY_DATABASE" validate:"required"`
	LogLevel  string `toml:"log_level" env:"RELAY_LOG_LEVEL" validate:"oneof=trace debug info warn error"`
	RawLogDir string `toml:"raw_log_dir" env:"RELAY_RAW_LOG_DIR"`
	Metrics   bool   `toml:"metrics" env:"RELAY_METRICS"`
	// CORSOrigin is the browser origin allowed to attach; "*" allows any.
	CORSOrigin string `toml:"cors_origin" env:"RELAY_CORS_ORIGIN"`

	Users []User `toml:"users" validate:"unique=Name,dive"`
}

// User is one relay account.
type User struct {
	Name string `toml:"name" validate:"required,alphanum"`
	// PasswordHash is a bcrypt hash checked when a client attaches.
	PasswordHash string    `toml:"password_hash" validate:"required,startswith=$2"`
	AwayMessage  string    `toml:"away"`
	Networks     []Network `toml:"networks" validate:"unique=Name,dive"`
	Plugins      []Plugin  `toml:"plugins" validate:"unique=Name,dive"`
}

// Plugin is an external process that receives the user's events.
type Plugin struct {
	Name   string                 `toml:"name" validate:"required"`
	Path   string                 `toml:"path" validate:"required"`
	Args   []string               `toml:"args"`
	Env    []string               `toml:"env"`
	Config map[string]interface{} `toml:"config"`
}

// Network is one IRC network of a user.
type Network struct {
	ID       string `toml:"id"`
	Name     string `toml:"name" validate:"required"`
	Host     string `toml:"host" validate:"required,hostname|ip"`
	Port     int    `toml:"port" validate:"min=1,max=65535"`
	TLS      bool   `toml:"tls"`
	Insecure bool   `toml:"insecure"`

	Nick     string `toml:"nick" validate:"ircnick"`
	Username string `toml:"username"`
	Realname string `toml:"realname"`

	Password string `toml:"password"`
	// PasswordKeychain reads Password from the OS keychain entry user/network.
	PasswordKeychain bool `toml:"password_keychain"`

	SASL SASL `toml:"sasl"`

	AwayMessage string    `toml:"away"`
	Commands    []string  `toml:"commands"`
	Channels    []Channel `toml:"channels" validate:"dive"`
	RawChannels bool      `toml:"raw_channels"`
}

// SASL holds SASL credentials. An empty mechanism disables SASL.
type SASL struct {
	Mechanism string `toml:"mechanism" validate:"omitempty,oneof=PLAIN EXTERNAL SCRAM-SHA-256 SCRAM-SHA-512 plain external scram-sha-256 scram-sha-512"`
	Login     string `toml:"login"`
	Password  string `toml:"password"`
}

// Channel is an auto-join entry.
type Channel struct {
	Name string `toml:"name" validate:"ircchannel"`
	Key  string `toml:"key"`
}

// SecretSource resolves keychain passwords.
type SecretSource interface {
	GetPassword(account string) (string, error)
}

// Defaults returns the settings used when the file leaves them out.
func Defaults() *Config {
	return &Config{
		Listen:     ":8080",
		Database:   "relay.db",
		LogLevel:   "info",
		Metrics:    true,
		CORSOrigin: "*",
	}
}

// Load reads path, applies .env files and environment overrides, resolves
// keychain passwords and validates the result. A nil secrets uses the OS
// keychain.
func Load(path string, secrets SecretSource) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if secrets == nil {
		secrets = security.NewKeychain()
	}
	if err := cfg.fill(secrets); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fill derives defaults per network and resolves keychain passwords.
func (c *Config) fill(secrets SecretSource) error {
	for i := range c.Users {
		u := &c.Users[i]
		for j := range u.Networks {
			n := &u.Networks[j]
			if n.ID == "" {
				// stable across restarts so stored history stays attached
				n.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("irc://"+u.Name+"/"+n.Name)).String()
			}
			if n.Port == 0 {
				n.Port = 6667
				if n.TLS {
					n.Port = 6697
				}
			}
			if n.Username == "" {
				n.Username = n.Nick
			}
			if n.Realname == "" {
				n.Realname = n.Nick
			}
			n.SASL.Mechanism = strings.ToUpper(n.SASL.Mechanism)
			if n.PasswordKeychain {
				password, err := secrets.GetPassword(security.Account(u.Name, n.Name))
				if err != nil {
					return fmt.Errorf("failed to read password for %s/%s: %w", u.Name, n.Name, err)
				}
				n.Password = password
			}
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// registration only fails for empty tags or nil funcs
	_ = v.RegisterValidation("ircchannel", func(fl validator.FieldLevel) bool {
		return validation.ValidateChannelName(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("ircnick", func(fl validator.FieldLevel) bool {
		return validation.ValidateNickname(fl.Field().String()) == nil
	})
	return v
}

// Validate checks struct rules plus the network server rules.
func Validate(c *Config) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, u := range c.Users {
		for _, n := range u.Networks {
			if err := validation.ValidateNetworkConfig(n.Name, n.Nick, n.Host, n.Port); err != nil {
				return fmt.Errorf("invalid config: user %s network %s: %w", u.Name, n.Name, err)
			}
		}
	}
	return nil
}

// Session converts a network entry into a session configuration.
func (n Network) Session(rawLogDir string) session.Config {
	channels := make([]session.ChannelConfig, 0, len(n.Channels))
	for _, c := range n.Channels {
		channels = append(channels, session.ChannelConfig{Name: c.Name, Key: c.Key})
	}
	return session.Config{
		ID:            n.ID,
		Name:          n.Name,
		Host:          n.Host,
		Port:          n.Port,
		TLS:           n.TLS,
		Insecure:      n.Insecure,
		Nick:          n.Nick,
		Username:      n.Username,
		Realname:      n.Realname,
		Password:      n.Password,
		SASLMechanism: n.SASL.Mechanism,
		SASLLogin:     n.SASL.Login,
		SASLPassword:  n.SASL.Password,
		AwayMessage:   n.AwayMessage,
		Commands:      append([]string(nil), n.Commands...),
		Channels:      channels,
		RawLogDir:     rawLogDir,
		RawChannels:   n.RawChannels,
	}
}

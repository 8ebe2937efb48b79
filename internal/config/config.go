package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	// RedisAddr enables the room directory cache when set.
	RedisAddr    string
	RoomCacheTTL time.Duration
	// MaxMessageSize limits inbound frames in bytes, 0 means no limit.
	MaxMessageSize int64
	Migrate        bool
}

// Params holds the raw, unvalidated settings collected from flags and the
// optional config file.
type Params struct {
	ServerAddr     string        `yaml:"addr"`
	DatabaseDSN    string        `yaml:"dsn"`
	SigningKey     string        `yaml:"signing_key"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RedisAddr      string        `yaml:"redis_addr"`
	RoomCacheTTL   time.Duration `yaml:"room_cache_ttl"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	Migrate        bool          `yaml:"migrate"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// ReadFile loads Params from a YAML file.
func ReadFile(path string) (*Params, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var p Params
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &p, nil
}

// Fill copies every value set in file into p unless the flag that owns it
// was given explicitly on the command line.
func (p *Params) Fill(file *Params, explicit map[string]bool) {
	if file == nil {
		return
	}
	if !explicit["addr"] && file.ServerAddr != "" {
		p.ServerAddr = file.ServerAddr
	}
	if !explicit["dsn"] && file.DatabaseDSN != "" {
		p.DatabaseDSN = file.DatabaseDSN
	}
	if !explicit["signing-key"] && file.SigningKey != "" {
		p.SigningKey = file.SigningKey
	}
	if !explicit["allowed-origins"] && len(file.AllowedOrigins) > 0 {
		p.AllowedOrigins = file.AllowedOrigins
	}
	if !explicit["redis-addr"] && file.RedisAddr != "" {
		p.RedisAddr = file.RedisAddr
	}
	if !explicit["room-cache-ttl"] && file.RoomCacheTTL != 0 {
		p.RoomCacheTTL = file.RoomCacheTTL
	}
	if !explicit["max-message-size"] && file.MaxMessageSize != 0 {
		p.MaxMessageSize = file.MaxMessageSize
	}
	if !explicit["migrate"] && file.Migrate {
		p.Migrate = true
	}
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if p.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if p.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if p.RoomCacheTTL < 0 {
		return nil, fmt.Errorf("room cache ttl cannot be negative")
	}
	if p.MaxMessageSize < 0 {
		return nil, fmt.Errorf("max message size cannot be negative")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(p.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:    p.DatabaseDSN,
		ServerAddr:     p.ServerAddr,
		SigningKey:     signingKey,
		AllowedOrigins: p.AllowedOrigins,
		RedisAddr:      p.RedisAddr,
		RoomCacheTTL:   p.RoomCacheTTL,
		MaxMessageSize: p.MaxMessageSize,
		Migrate:        p.Migrate,
	}, nil
}

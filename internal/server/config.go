package server

import (
	"os"
	"strconv"
	"strings"
)

const (
	defaultAddr         = ":8888"
	defaultHistoryLimit = 100
)

// Config holds the relay server settings. AllowedRooms and DevMode are the
// only policy knobs the protocol core consults: outside development mode a
// join is accepted only for rooms on the allow-list, and client-declared
// identity is rejected.
type Config struct {
	Addr            string
	AllowedRooms    []string
	DevMode         bool
	JWTSecret       string
	JWTAudiences    []string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	HistoryLimit    int
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Addr:            defaultAddr,
		MongoDatabase:   "chatrelay",
		MongoCollection: "messages",
		HistoryLimit:    defaultHistoryLimit,
	}
}

// NewConfigFromEnv builds a Config from CHATRELAY_* environment variables,
// falling back to defaults for anything unset.
func NewConfigFromEnv() *Config {
	cfg := NewConfig()

	if addr := os.Getenv("CHATRELAY_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if rooms := os.Getenv("CHATRELAY_ALLOWED_ROOMS"); rooms != "" {
		cfg.AllowedRooms = splitList(rooms)
	}
	if dev := os.Getenv("CHATRELAY_DEV_MODE"); dev != "" {
		if parsed, err := strconv.ParseBool(dev); err == nil {
			cfg.DevMode = parsed
		}
	}
	if secret := os.Getenv("CHATRELAY_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	if auds := os.Getenv("CHATRELAY_JWT_AUDIENCES"); auds != "" {
		cfg.JWTAudiences = splitList(auds)
	}
	if uri := os.Getenv("CHATRELAY_MONGODB_URI"); uri != "" {
		cfg.MongoURI = uri
	}
	if db := os.Getenv("CHATRELAY_MONGODB_DATABASE"); db != "" {
		cfg.MongoDatabase = db
	}
	if coll := os.Getenv("CHATRELAY_MONGODB_COLLECTION"); coll != "" {
		cfg.MongoCollection = coll
	}
	if limit := os.Getenv("CHATRELAY_HISTORY_LIMIT"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil && parsed > 0 {
			cfg.HistoryLimit = parsed
		}
	}

	return cfg
}

func (c *Config) sanitized() Config {
	cfg := *c
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	cfg.AllowedRooms = append([]string(nil), c.AllowedRooms...)
	return cfg
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

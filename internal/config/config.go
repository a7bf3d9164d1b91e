package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config collects every recognized environment option so main stays lean.
type Config struct {
	Addr    string `env:"LINKAGE_ADDR" envDefault:":9096"`
	Version string `env:"LINKAGE_VERSION" envDefault:"dev"`

	// Store selects the document backend: memory, mongo or postgres.
	Store          string `env:"LINKAGE_STORE" envDefault:"memory"`
	MongoURI       string `env:"LINKAGE_MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase  string `env:"LINKAGE_MONGO_DB" envDefault:"linkage"`
	MongoBucket    string `env:"LINKAGE_MONGO_BUCKET" envDefault:"linkage_idm"`
	PostgresDSN    string `env:"LINKAGE_PG_DSN"`
	PostgresBucket string `env:"LINKAGE_PG_BUCKET" envDefault:"linkage_idm"`

	// Session credentials for operator logins.
	SessionSecret string        `env:"LINKAGE_SESSION_SECRET"`
	SessionExpiry time.Duration `env:"LINKAGE_SESSION_EXPIRY" envDefault:"12h"`

	// Defaults copied onto every new link at creation time.
	LinkIssuer    string `env:"LINKAGE_LINK_ISS" envDefault:"https://idm.linkage.org/"`
	LinkAudience  string `env:"LINKAGE_LINK_AUD" envDefault:"https://idm.linkage.org/"`
	LinkSecret    string `env:"LINKAGE_LINK_SECRET"`
	LinkAlgorithm string `env:"LINKAGE_LINK_ALG" envDefault:"HS256"`

	// Outbound mail for password resets.
	MailHost     string `env:"LINKAGE_MAIL_HOST"`
	MailPort     int    `env:"LINKAGE_MAIL_PORT" envDefault:"587"`
	MailUsername string `env:"LINKAGE_MAIL_USER"`
	MailPassword string `env:"LINKAGE_MAIL_PASSWORD"`
	MailReplyTo  string `env:"LINKAGE_MAIL_REPLY_TO"`

	RateBurst  int `env:"LINKAGE_RATE_BURST" envDefault:"20"`
	RatePerSec int `env:"LINKAGE_RATE_PER_SEC" envDefault:"10"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

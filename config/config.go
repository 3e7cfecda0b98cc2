// Package config loads application settings from a .env file and environment variables.
// Environment variables always take precedence over .env file values.
package config

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Sink drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config holds all application configuration.
type Config struct {
	// Document store – either a MongoDB URI and database, or a directory of
	// mongoexport files.
	MongoURI  string
	MongoDB   string
	SourceDir string

	// Relational sink.
	SinkDriver string

	// PostgreSQL – either set DatabaseURL directly, or the individual fields.
	DatabaseURL string
	DBUser      string
	DBPass      string
	DBHost      string
	DBPort      string
	DBName      string
	DBSSLMode   string

	// MySQL – used when SinkDriver is mysql.
	MySQLDSN string

	// Migration tuning.
	MappingFile   string
	BatchSize     int
	Workers       int
	SampleSize    int
	TypeThreshold float64

	// JWT signing secret (required by the console).
	JWTSecret  string
	AdminUsers []string

	// Server
	Debug      bool
	Port       string
	TLSDomains []string
}

// Load reads configuration from a .env file (if present) and then from
// environment variables. Environment variables always win.
func Load() (*Config, error) {
	v := newViper()

	// Defaults
	v.SetDefault("SINK_DRIVER", DriverPostgres)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_NAME", "docmigrate")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("MAPPING_FILE", "mapping.yaml")
	v.SetDefault("BATCH_SIZE", "500")
	v.SetDefault("WORKERS", "4")
	v.SetDefault("SAMPLE_SIZE", "1000")
	v.SetDefault("TYPE_THRESHOLD", "0.9")
	v.SetDefault("ADMIN_USERS", "admin")
	v.SetDefault("PORT", ":9000")
	v.SetDefault("DEBUG", false)

	cfg := &Config{
		MongoURI:    v.GetString("MONGO_URI"),
		MongoDB:     v.GetString("MONGO_DB"),
		SourceDir:   v.GetString("SOURCE_DIR"),
		SinkDriver:  strings.ToLower(v.GetString("SINK_DRIVER")),
		DatabaseURL: v.GetString("DATABASE_URL"),
		DBUser:      v.GetString("DB_USER"),
		DBPass:      v.GetString("DB_PASS"),
		DBHost:      v.GetString("DB_HOST"),
		DBPort:      v.GetString("DB_PORT"),
		DBName:      v.GetString("DB_NAME"),
		DBSSLMode:   v.GetString("DB_SSLMODE"),
		MySQLDSN:    v.GetString("MYSQL_DSN"),
		MappingFile: v.GetString("MAPPING_FILE"),
		JWTSecret:   v.GetString("JWT_SECRET"),
		AdminUsers:  splitTrimmed(v.GetString("ADMIN_USERS")),
		Debug:       v.GetBool("DEBUG"),
		Port:        v.GetString("PORT"),
		TLSDomains:  splitTrimmed(v.GetString("TLS_DOMAINS")),
	}

	var err error
	if cfg.BatchSize, err = intValue(v, "BATCH_SIZE"); err != nil {
		return nil, err
	}
	if cfg.Workers, err = intValue(v, "WORKERS"); err != nil {
		return nil, err
	}
	if cfg.SampleSize, err = intValue(v, "SAMPLE_SIZE"); err != nil {
		return nil, err
	}
	if cfg.TypeThreshold, err = strconv.ParseFloat(strings.TrimSpace(v.GetString("TYPE_THRESHOLD")), 64); err != nil {
		return nil, fmt.Errorf("config: TYPE_THRESHOLD: %w", err)
	}

	return cfg, nil
}

// PostgresDSN returns the full PostgreSQL connection string.
// DATABASE_URL takes precedence over individual fields.
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser,
		c.DBPass,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// SinkDSN returns the connection string for the configured sink driver.
func (c *Config) SinkDSN() string {
	if c.SinkDriver == DriverMySQL {
		return c.MySQLDSN
	}
	return c.PostgresDSN()
}

// UseMongo reports whether documents are read from MongoDB rather than
// export files.
func (c *Config) UseMongo() bool {
	return c.MongoURI != ""
}

// JWTKey returns the JWT signing key as a byte slice.
func (c *Config) JWTKey() []byte {
	return []byte(c.JWTSecret)
}

// IsAdmin reports whether username is listed in ADMIN_USERS.
func (c *Config) IsAdmin(username string) bool {
	normalized := strings.ToLower(strings.TrimSpace(username))
	for _, admin := range c.AdminUsers {
		if normalized == strings.ToLower(admin) {
			return true
		}
	}
	return false
}

// ValidateSource checks the document store settings.
func (c *Config) ValidateSource() error {
	switch {
	case c.MongoURI != "" && c.MongoDB == "":
		return errors.New("MONGO_DB must be set with MONGO_URI")
	case c.MongoURI == "" && c.SourceDir == "":
		return errors.New("MONGO_URI or SOURCE_DIR must be set")
	}
	return nil
}

// Validate checks the settings every migration command needs.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ValidateSource(); err != nil {
		errs = append(errs, err)
	}
	switch c.SinkDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" && c.DBPass == "" {
			errs = append(errs, errors.New("DATABASE_URL or DB_PASS must be set"))
		}
	case DriverMySQL:
		if c.MySQLDSN == "" {
			errs = append(errs, errors.New("MYSQL_DSN must be set when SINK_DRIVER is mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SINK_DRIVER %q", c.SinkDriver))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("BATCH_SIZE must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	if c.SampleSize <= 0 {
		errs = append(errs, errors.New("SAMPLE_SIZE must be positive"))
	}
	if c.TypeThreshold <= 0 || c.TypeThreshold > 1 {
		errs = append(errs, errors.New("TYPE_THRESHOLD must be in (0, 1]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateServer checks the settings the console needs on top of Validate.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET must be set")
	}
	if !c.Debug && len(c.TLSDomains) == 0 {
		return errors.New("config: TLS_DOMAINS must be set unless DEBUG is on")
	}
	return nil
}

func intValue(v *viper.Viper, key string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func newViper() *viper.Viper {
	// Silently load .env – OK if the file doesn't exist (production uses real env vars).
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file found, using environment variables only")
	}

	v := viper.New()
	v.AutomaticEnv()
	return v
}

func splitTrimmed(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

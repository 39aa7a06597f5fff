package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port             string `env:"PORT" envDefault:"8080"`
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	WebhookURL       string `env:"WEBHOOK_URL"`

	FarmAPIURL     string        `env:"FARM_API_URL" envDefault:"http://localhost:8000"`
	FarmAPIToken   string        `env:"FARM_API_TOKEN"`
	RequestTimeout time.Duration `env:"FARM_API_TIMEOUT" envDefault:"60s"`

	DetectionBackend string `env:"DETECTION_BACKEND" envDefault:"api"`
	GeminiAPIKey     string `env:"GEMINI_API_KEY"`
	GeminiModel      string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	ModelLabelsFile  string `env:"MODEL_LABELS_FILE"`

	PhotoTempDir  string        `env:"PHOTO_TEMP_DIR"`
	JPEGQuality   int           `env:"JPEG_QUALITY" envDefault:"85"`
	MaxPixels     int           `env:"MAX_PIXELS" envDefault:"4000000"`
	AlbumDebounce time.Duration `env:"ALBUM_DEBOUNCE" envDefault:"1200ms"`

	DatabaseURL string `env:"DATABASE_URL"`
	PGUser      string `env:"POSTGRES_USER" envDefault:"farmbot"`
	PGPassword  string `env:"POSTGRES_PASSWORD"`
	PGHost      string `env:"PGHOST"`
	PGPort      string `env:"PGPORT" envDefault:"5432"`
	PGDatabase  string `env:"POSTGRES_DB" envDefault:"farmbot"`

	JournalTTL time.Duration `env:"JOURNAL_TTL" envDefault:"720h"`
}

// Load reads envFile when given, then the process environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("error loading env file '%s': %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found, using os.Environ only")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if strings.TrimSpace(cfg.Port) == "" {
		cfg.Port = "8080"
	}
	switch cfg.DetectionBackend {
	case "api", "gemini":
	default:
		return nil, fmt.Errorf("DETECTION_BACKEND must be api or gemini, got %q", cfg.DetectionBackend)
	}
	if cfg.DetectionBackend == "gemini" && strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required with DETECTION_BACKEND=gemini")
	}
	return &cfg, nil
}

// DSN prefers DATABASE_URL and otherwise builds one from POSTGRES_* / PG*.
// It is empty when neither is configured, which disables the journal.
func (c *Config) DSN() string {
	if v := strings.TrimSpace(c.DatabaseURL); v != "" {
		return v
	}
	if strings.TrimSpace(c.PGHost) == "" {
		return ""
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PGUser, c.PGPassword),
		Host:     net.JoinHostPort(c.PGHost, c.PGPort),
		Path:     "/" + c.PGDatabase,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// SafeDSNSummary describes a DSN without its password.
func SafeDSNSummary(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "dsn: parse error"
	}
	user := u.User.Username()
	host := u.Host
	port := ""
	if h, p, err := net.SplitHostPort(u.Host); err == nil {
		host, port = h, p
	}
	db := strings.TrimPrefix(u.Path, "/")
	if port == "" {
		return fmt.Sprintf("host=%s db=%s user=%s", host, db, user)
	}
	return fmt.Sprintf("host=%s port=%s db=%s user=%s", host, port, db, user)
}

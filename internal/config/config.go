package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"storybridge/internal/domain"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port         int           `env:"PORT"          envDefault:"8080"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1m"`
	DBPath       string        `env:"DB_PATH"       envDefault:"db.sqlite"`

	Project   ProjectConfig   `envPrefix:"PROJECT_"`
	Webhook   WebhookConfig   `envPrefix:"WEBHOOK_"`
	FeedBoard FeedBoardConfig `envPrefix:"FEEDBOARD_"`

	ColumnIDs        map[string]int64  `env:"COLUMN_IDS"        envDefault:"grooming:500000008,ready_for_development:500000007,paused:500000247,in_development:500000006,ready_for_review:500000010,ready_for_deploy:500000009,deployed:500000011"`
	ColumnStatuses   map[string]string `env:"COLUMN_STATUSES"   envDefault:"grooming:planned,ready_for_development:planned,paused:planned,in_development:in_progress,ready_for_review:in_progress,ready_for_deploy:in_progress,deployed:complete"`
	PushableStatuses []string          `env:"PUSHABLE_STATUSES" envDefault:"planned,in_progress"`

	columns *ColumnMap
}

type ProjectConfig struct {
	APIURL        string `env:"API_URL"        envDefault:"https://api.app.shortcut.com"`
	APIToken      string `env:"API_TOKEN,required,notEmpty"`
	TokenInQuery  bool   `env:"TOKEN_IN_QUERY"`
	ProjectID     int64  `env:"ID"             envDefault:"4"`
	DefaultColumn string `env:"DEFAULT_COLUMN" envDefault:"grooming"`
	StoryType     string `env:"STORY_TYPE"     envDefault:"feature"`
}

type WebhookConfig struct {
	Secret          string `env:"SECRET"`
	SignatureHeader string `env:"SIGNATURE_HEADER" envDefault:"Clubhouse-Signature"`
	Board           string `env:"BOARD"            envDefault:"clubhouse"`
}

type FeedBoardConfig struct {
	BaseURL       string            `env:"BASE_URL"       envDefault:"https://www.userfeed.io"`
	StoriesURL    string            `env:"STORIES_URL,required,notEmpty"`
	Cookie        string            `env:"COOKIE"`
	Headers       map[string]string `env:"HEADERS"        envSeparator:";" envKeyValSeparator:"="`
	WriteInterval time.Duration     `env:"WRITE_INTERVAL" envDefault:"1s"`
}

// Columns returns the column table built from ColumnIDs and ColumnStatuses.
func (c *Config) Columns() *ColumnMap {
	return c.columns
}

// PushableSet returns PushableStatuses as feed statuses.
func (c *Config) PushableSet() []domain.FeedStatus {
	statuses := make([]domain.FeedStatus, 0, len(c.PushableStatuses))
	for _, s := range c.PushableStatuses {
		statuses = append(statuses, domain.FeedStatus(s))
	}

	return statuses
}

// LoadDotEnv loads variables from path into the process environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load dotenv file: %w", err)
	}

	return nil
}

func Load() (Config, error) {
	return load(env.Options{})
}

// LoadFrom parses the config from environ instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err = cfg.normalize(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) normalize() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive (got %s)", c.PollInterval)
	}

	pushable := make([]string, 0, len(c.PushableStatuses))
	for _, s := range c.PushableStatuses {
		if s = strings.TrimSpace(s); s != "" {
			pushable = append(pushable, s)
		}
	}
	if len(pushable) == 0 {
		return errors.New("at least one pushable status is required")
	}
	c.PushableStatuses = pushable

	columns, err := NewColumnMap(c.ColumnIDs, c.ColumnStatuses)
	if err != nil {
		return fmt.Errorf("build column map: %w", err)
	}
	c.columns = columns

	if c.Project.DefaultColumn != "" {
		if _, ok := columns.ID(c.Project.DefaultColumn); !ok {
			return fmt.Errorf("default column %q is not in the column table", c.Project.DefaultColumn)
		}
	}

	c.FeedBoard.BaseURL = strings.TrimRight(strings.TrimSpace(c.FeedBoard.BaseURL), "/")
	c.Webhook.Board = strings.Trim(strings.TrimSpace(c.Webhook.Board), "/")
	if c.Webhook.Board == "" {
		return errors.New("webhook board path segment is empty")
	}

	return nil
}

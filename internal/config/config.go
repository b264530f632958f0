package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data" yaml:"data_path"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/moorgate.db" yaml:"database_path"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/moorgate.log" yaml:"log_path"`

	APIAddr     string `envconfig:"API_ADDR" default:":8000" yaml:"api_addr"`
	GatewayAddr string `envconfig:"GATEWAY_ADDR" default:":30002" yaml:"gateway_addr"`

	// Terminal gateway settings
	MaxSessionsPerUser int    `envconfig:"MAX_SESSIONS_PER_USER" default:"3" yaml:"max_sessions_per_user"`
	ConnectTimeout     string `envconfig:"CONNECT_TIMEOUT" default:"30s" yaml:"connect_timeout"`
	AuthAnswerTimeout  string `envconfig:"AUTH_ANSWER_TIMEOUT" default:"60s" yaml:"auth_answer_timeout"`

	// ActivityURL is the internal endpoint notified when a shell opens.
	ActivityURL string `envconfig:"ACTIVITY_URL" default:"http://127.0.0.1:8000/api/v1/internal/ssh-activity" yaml:"activity_url"`

	// ConfigFile is an optional YAML file applied on top of env settings.
	ConfigFile string `envconfig:"CONFIG_FILE" default:"" yaml:"-"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("MOORGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.ConfigFile != "" {
		if err := loadFile(Cfg.ConfigFile, &Cfg); err != nil {
			log.Fatalf("failed to load config file %s: %v", Cfg.ConfigFile, err)
		}
	}
}

// loadFile overlays settings from a YAML file. Keys present in the file
// replace env-derived values; absent keys keep them.
func loadFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// ConnectTimeoutDuration returns the parsed connect timeout, falling back to
// 30 seconds when the configured value does not parse.
func (s Settings) ConnectTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(s.ConnectTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// AuthAnswerTimeoutDuration returns the parsed interactive answer timeout,
// falling back to 60 seconds.
func (s Settings) AuthAnswerTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(s.AuthAnswerTimeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

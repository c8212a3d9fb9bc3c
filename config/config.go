package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"slack-channel-automator/services"
)

const defaultTimezone = "Asia/Tokyo"

// Config はアプリケーション設定
type Config struct {
	Port               string
	DBPath             string
	SlackBotToken      string
	SlackSigningSecret string

	Timezone string
	Location *time.Location

	TickInterval       time.Duration
	EffectorTimeout    time.Duration
	PurgeAt            string // "HHMM"
	PurgeHistoryLimit  int
	RangeHistoryLimit  int
	RangeDeleteTimeout time.Duration
	AckReaction        string

	AlarmsFile string
	Alarms     []services.Alarm

	LogLevel string
	Debug    bool
}

// ConfigError は設定値の不正
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

// Load は .env（あれば）と環境変数から設定を読み込む
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Debug().Str("file", envFile).Msg("no env file found, using environment variables")
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DBPath:             getEnv("DB_PATH", "automator.db"),
		SlackBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		Timezone:           getEnv("TIMEZONE", defaultTimezone),
		AckReaction:        getEnv("ACK_REACTION", "white_check_mark"),
		AlarmsFile:         os.Getenv("ALARMS_FILE"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		Debug:              os.Getenv("DEBUG") == "true",
	}

	// タイムゾーンが不正な場合は Asia/Tokyo にフォールバック
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", cfg.Timezone).Msg("invalid timezone, falling back to " + defaultTimezone)
		cfg.Timezone = defaultTimezone
		loc, err = time.LoadLocation(defaultTimezone)
		if err != nil {
			loc = time.UTC
		}
	}
	cfg.Location = loc

	if cfg.TickInterval, err = getDuration("TICK_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.EffectorTimeout, err = getDuration("EFFECTOR_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RangeDeleteTimeout, err = getDuration("RANGE_DELETE_TIMEOUT", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PurgeHistoryLimit, err = getInt("PURGE_HISTORY_LIMIT", 1000); err != nil {
		return nil, err
	}
	if cfg.RangeHistoryLimit, err = getInt("RANGE_HISTORY_LIMIT", 500); err != nil {
		return nil, err
	}

	purgeAt := getEnv("PURGE_AT", "03:00")
	if strings.EqualFold(purgeAt, "off") {
		cfg.PurgeAt = ""
	} else if cfg.PurgeAt, err = services.NormalizeTimeOfDay(purgeAt); err != nil {
		return nil, &ConfigError{Field: "PURGE_AT", Message: err.Error()}
	}

	if cfg.AlarmsFile != "" {
		data, err := os.ReadFile(cfg.AlarmsFile)
		if err != nil {
			return nil, &ConfigError{Field: "ALARMS_FILE", Message: err.Error()}
		}
		if cfg.Alarms, err = ParseAlarms(data); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate は serve に必要な値が揃っているか確認する
func (c *Config) Validate() error {
	if c.SlackBotToken == "" {
		return &ConfigError{Field: "SLACK_BOT_TOKEN", Message: "required"}
	}
	if c.TickInterval <= 0 {
		return &ConfigError{Field: "TICK_INTERVAL", Message: "must be positive"}
	}
	return nil
}

type alarmFile struct {
	Alarms []struct {
		Time    string `yaml:"time"`
		Channel string `yaml:"channel"`
		Content string `yaml:"content"`
		Title   string `yaml:"title"`
		Rich    bool   `yaml:"rich"`
	} `yaml:"alarms"`
}

// ParseAlarms は定時投稿の YAML を読み込む
//
//	alarms:
//	  - time: "09:00"
//	    channel: C12345
//	    content: おはようございます
func ParseAlarms(data []byte) ([]services.Alarm, error) {
	var f alarmFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &ConfigError{Field: "ALARMS_FILE", Message: "invalid yaml: " + err.Error()}
	}

	alarms := make([]services.Alarm, 0, len(f.Alarms))
	for i, a := range f.Alarms {
		hhmm, err := services.NormalizeTimeOfDay(a.Time)
		if err != nil {
			return nil, &ConfigError{Field: "alarms[" + strconv.Itoa(i) + "].time", Message: err.Error()}
		}
		if a.Channel == "" || a.Content == "" {
			return nil, &ConfigError{Field: "alarms[" + strconv.Itoa(i) + "]", Message: "channel and content are required"}
		}
		alarms = append(alarms, services.Alarm{
			TimeOfDay: hhmm,
			ChannelID: a.Channel,
			Message: services.OutboundMessage{
				Content: a.Content,
				Title:   a.Title,
				Rich:    a.Rich,
			},
		})
	}
	return alarms, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return 0, &ConfigError{Field: key, Message: "must be a positive integer"}
	}
	return parsed, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return 0, &ConfigError{Field: key, Message: "invalid duration: " + val}
	}
	return parsed, nil
}

package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	AdminKey    string `mapstructure:"ADMIN_KEY"`
	CORSAllowed string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	// scoring
	ScorerURL           string        `mapstructure:"SCORER_URL"`
	ConfidenceThreshold float64       `mapstructure:"CONFIDENCE_THRESHOLD"`
	BandCritical        float64       `mapstructure:"PRIORITY_BAND_CRITICAL"`
	BandHigh            float64       `mapstructure:"PRIORITY_BAND_HIGH"`
	BandMedium          float64       `mapstructure:"PRIORITY_BAND_MEDIUM"`
	ScoringMaxRetries   uint64        `mapstructure:"SCORING_MAX_RETRIES"`
	ScoreBatchBudget    time.Duration `mapstructure:"SCORE_BATCH_BUDGET"`
	ScoreSchedule       string        `mapstructure:"SCORE_SCHEDULE"`

	// routing
	RuleCacheTTL     time.Duration `mapstructure:"RULE_CACHE_TTL"`
	WorkloadCacheTTL time.Duration `mapstructure:"WORKLOAD_CACHE_TTL"`

	// escalation sweep
	StaleAgeDays          int    `mapstructure:"STALE_AGE_DAYS"`
	MaxEscalationAttempts int    `mapstructure:"MAX_ESCALATION_ATTEMPTS"`
	SweepSchedule         string `mapstructure:"SWEEP_SCHEDULE"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("CONFIDENCE_THRESHOLD", 0.5)
	v.SetDefault("PRIORITY_BAND_CRITICAL", 0.85)
	v.SetDefault("PRIORITY_BAND_HIGH", 0.70)
	v.SetDefault("PRIORITY_BAND_MEDIUM", 0.55)
	v.SetDefault("SCORING_MAX_RETRIES", 3)
	v.SetDefault("SCORE_BATCH_BUDGET", "5m")
	v.SetDefault("SCORE_SCHEDULE", "@every 15m")
	v.SetDefault("RULE_CACHE_TTL", "5m")
	v.SetDefault("WORKLOAD_CACHE_TTL", "1m")
	v.SetDefault("STALE_AGE_DAYS", 3)
	v.SetDefault("MAX_ESCALATION_ATTEMPTS", 3)
	v.SetDefault("SWEEP_SCHEDULE", "@hourly")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

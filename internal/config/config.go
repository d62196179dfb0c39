package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/itsec-board/scoreboard/internal/logger"
	"github.com/itsec-board/scoreboard/internal/validator"
)

type PostgresConfig struct {
	User               string        `validate:"required"`
	Password           string        `validate:"required"`
	Host               string        `validate:"required"`
	Database           string        `validate:"required"`
	MaxIdleConnections int           `validate:"required" mapstructure:"max_idle_connections"`
	MaxOpenConnections int           `validate:"required" mapstructure:"max_open_connections"`
	ConnectionTTL      time.Duration `validate:"required" mapstructure:"connection_ttl"`
	Port               int16         `validate:"required"`
}

type SlogConfig struct {
	Level int `mapstructure:"level"`
}

type GormLogConfig struct {
	Level        int  `mapstructure:"level"`
	TraceQueries bool `mapstructure:"trace_queries"`
}

type LoggingConfig struct {
	Gorm    GormLogConfig `mapstructure:"gorm"`
	App     SlogConfig    `mapstructure:"app"`
	UseOTLP bool          `mapstructure:"use_otlp"`
}

// FlagConfig is the deployment-wide token policy. The validity window is
// configured in unix seconds and compared against issuance times in
// microseconds as the half-open interval [valid_start, valid_end).
type FlagConfig struct {
	Prefix     string `mapstructure:"prefix"      validate:"required"`
	ValidStart int64  `mapstructure:"valid_start" validate:"required"`
	ValidEnd   int64  `mapstructure:"valid_end"   validate:"required"`
}

type JoinConfig struct {
	Key          string `mapstructure:"key"           validate:"required,len=8"`
	MinutesValid int    `mapstructure:"minutes_valid" validate:"required"`
}

// GraderConfig configures one worker instance. InstanceID namespaces sandbox
// names, crash-recovery labels and staging directories so independent
// instances never collide.
type GraderConfig struct {
	ServerURL        string   `mapstructure:"server_url"         validate:"required"`
	InstanceID       string   `mapstructure:"instance_id"        validate:"required"`
	Runtime          string   `mapstructure:"runtime"            validate:"required,oneof=docker podman"`
	Image            string   `mapstructure:"image"              validate:"required"`
	CleanupImage     string   `mapstructure:"cleanup_image"`
	Entrypoint       []string `mapstructure:"entrypoint"         validate:"required,min=1"`
	Extensions       []string `mapstructure:"extensions"         validate:"required,min=1"`
	PodmanBinary     string   `mapstructure:"podman_binary"`
	NetworkMode      string   `mapstructure:"network_mode"`
	StagingDir       string   `mapstructure:"staging_dir"`
	PollIntervalSecs int      `mapstructure:"poll_interval_secs" validate:"required"`
	TimeoutSecs      int      `mapstructure:"timeout_secs"       validate:"required"`
	StopGraceSecs    int      `mapstructure:"stop_grace_secs"`
	LogMaxChunks     int      `mapstructure:"log_max_chunks"`
	LogMaxBytes      int      `mapstructure:"log_max_bytes"`
	LogTailBytes     int      `mapstructure:"log_tail_bytes"`
	LogTailLines     int      `mapstructure:"log_tail_lines"`
}

// See scoreboard.yaml for an example config
type Config struct {
	Postgres             *PostgresConfig `mapstructure:"postgres"`
	Logging              *LoggingConfig  `mapstructure:"logging"`
	Flag                 *FlagConfig     `mapstructure:"flag"           validate:"required"`
	Join                 *JoinConfig     `mapstructure:"join"`
	Grader               *GraderConfig   `mapstructure:"grader"`
	APIKey               string          `mapstructure:"api_key"        validate:"required"`
	ListenAddress        string          `mapstructure:"listen_address"`
	GracefulShutdownSecs int64           `mapstructure:"graceful_shutdown_secs"`
}

const (
	APIKey           string = "api_key"
	AppLogLevel      string = "logging.app.level"
	EnvPrefix        string = "scoreboard"
	FlagPrefix       string = "flag.prefix"
	GormLogLevel     string = "logging.gorm.level"
	JoinKey          string = "join.key"
	ListenAddress    string = "listen_address"
	PostgresPassword string = "postgres.password"
	UseOTLP          string = "logging.use_otlp"
)

var configReady = false
var config Config

func GetConfig() (*Config, error) {
	if configReady {
		logger.Logger.Debug("returning already-loaded config")
		return &config, nil
	}
	logger.Logger.Info("loading config")

	v := viper.New()

	v.SetConfigName("scoreboard")

	v.AddConfigPath("/etc/scoreboard/")
	v.AddConfigPath(".")

	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.AutomaticEnv()

	// workaround for https://github.com/spf13/viper/issues/761
	// bind secret-bearing env vars explicitly so they unmarshal into the
	// nested structs
	for _, key := range []string{PostgresPassword, APIKey, JoinKey} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	v.SetDefault("listen_address", ":8080")
	v.SetDefault("graceful_shutdown_secs", 10)
	v.SetDefault("grader.podman_binary", "podman")
	v.SetDefault("grader.network_mode", "none")
	v.SetDefault("grader.poll_interval_secs", 30)
	v.SetDefault("grader.timeout_secs", 150)
	v.SetDefault("grader.stop_grace_secs", 5)
	v.SetDefault("grader.log_max_chunks", 4096)
	v.SetDefault("grader.log_max_bytes", 1048576)
	v.SetDefault("grader.log_tail_bytes", 8192)
	v.SetDefault("grader.log_tail_lines", 100)
	v.SetDefault("grader.extensions", []string{".py"})
	v.SetDefault("grader.entrypoint", []string{"/usr/bin/python3"})

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.Create()
	if err := validate.Validate(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.Logging == nil {
		config.Logging = &LoggingConfig{}
	}

	configReady = true
	return &config, nil
}

func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d",
		c.Host, c.User, c.Password, c.Database, c.Port,
	)
}

// RequireServer checks the sections only the queue server needs.
func (c *Config) RequireServer() error {
	if c.Postgres == nil {
		return fmt.Errorf("missing postgres config")
	}
	return nil
}

// RequireJoin checks the section only the join code tooling needs.
func (c *Config) RequireJoin() error {
	if c.Join == nil {
		return fmt.Errorf("missing join config")
	}
	return nil
}

// RequireGrader checks the sections only the worker needs.
func (c *Config) RequireGrader() error {
	if c.Grader == nil {
		return fmt.Errorf("missing grader config")
	}
	validate := validator.Create()
	if err := validate.Validate(*c.Grader); err != nil {
		return fmt.Errorf("invalid grader config: %w", err)
	}
	return nil
}

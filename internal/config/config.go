package config

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// LogDirName is the directory created under the configured log path.
const LogDirName = "MLPortalServiceLogs"

type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"`
	BasePath       string   `mapstructure:"base_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DBConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Name           string        `mapstructure:"name"`
	Schema         string        `mapstructure:"schema"`
	Procedure      string        `mapstructure:"procedure"`
	MaxConns       int32         `mapstructure:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
}

type LoginConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	DevPath    string `mapstructure:"dev_path"`
	ProdPath   string `mapstructure:"prod_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// Config holds all service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	DB      DBConfig      `mapstructure:"db"`
	Login   LoginConfig   `mapstructure:"login"`
	Logging LoggingConfig `mapstructure:"logging"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
}

var defaults = map[string]any{
	"server.port":            "8080",
	"server.environment":     EnvDevelopment,
	"server.base_path":       "/mlportal/api/v1",
	"server.allowed_origins": []string{"*"},

	"db.host":            "localhost",
	"db.port":            5432,
	"db.user":            "",
	"db.password":        "",
	"db.name":            "postgres",
	"db.schema":          "partnersintegration",
	"db.procedure":       "admin_login",
	"db.max_conns":       50,
	"db.connect_timeout": "10s",
	"db.acquire_timeout": "10s",
	"db.query_timeout":   "40s",

	"login.max_retries":   3,
	"login.retry_backoff": "0s",

	"logging.level":       LogLevelInfo,
	"logging.dev_path":    "./logs",
	"logging.prod_path":   "/var/log/mlportal",
	"logging.max_size_mb": 5,
	"logging.max_backups": 3,

	"redis.addr":        "",
	"redis.password":    "",
	"redis.session_ttl": "24h",

	"mongo.uri":        "",
	"mongo.database":   "mlportal",
	"mongo.collection": "login_attempts",
}

// Load reads configuration from defaults, an optional YAML file and the
// environment. When file is empty, config.yaml is looked up in ./config and
// the working directory; a missing file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("server.environment", "SERVER_ENVIRONMENT", "APP_ENV")

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LogDir returns the log directory for the configured environment.
func (c *Config) LogDir() string {
	base := c.Logging.ProdPath
	if c.Server.Environment == EnvDevelopment {
		base = c.Logging.DevPath
	}
	return filepath.Join(base, LogDirName)
}

// LoginBudget is the longest a single login request can spend on the
// database: every attempt waiting out both the acquire and query timeouts,
// plus the backoff between attempts.
func (c *Config) LoginBudget() time.Duration {
	attempts := time.Duration(c.Login.MaxRetries + 1)
	return attempts*(c.DB.AcquireTimeout+c.DB.QueryTimeout) +
		time.Duration(c.Login.MaxRetries)*c.Login.RetryBackoff
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.By(func(value interface{}) error {
				sc := value.(ServerConfig)
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Port, validation.Required, is.Port),
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDevelopment, EnvProduction),
					),
					validation.Field(&sc.BasePath, validation.By(validateBasePath)),
				)
			}),
		),
		validation.Field(&c.DB,
			validation.By(func(value interface{}) error {
				dc := value.(DBConfig)
				return validation.ValidateStruct(&dc,
					validation.Field(&dc.Host, validation.Required, is.Host),
					validation.Field(&dc.Port, validation.Required, validation.Min(1), validation.Max(65535)),
					validation.Field(&dc.Schema, validation.Required),
					validation.Field(&dc.Procedure, validation.Required),
					validation.Field(&dc.MaxConns, validation.Required, validation.Min(int32(1))),
					validation.Field(&dc.ConnectTimeout, validation.Required, validation.Min(time.Millisecond)),
					validation.Field(&dc.AcquireTimeout, validation.Required, validation.Min(time.Millisecond)),
					validation.Field(&dc.QueryTimeout, validation.Required, validation.Min(time.Millisecond)),
				)
			}),
		),
		validation.Field(&c.Login,
			validation.By(func(value interface{}) error {
				lc := value.(LoginConfig)
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.MaxRetries, validation.Min(0)),
					validation.Field(&lc.RetryBackoff, validation.Min(time.Duration(0))),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.By(func(value interface{}) error {
				lc := value.(LoggingConfig)
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
					validation.Field(&lc.DevPath, validation.Required),
					validation.Field(&lc.ProdPath, validation.Required),
					validation.Field(&lc.MaxSizeMB, validation.Required, validation.Min(1)),
					validation.Field(&lc.MaxBackups, validation.Min(0)),
				)
			}),
		),
		validation.Field(&c.Redis,
			validation.By(func(value interface{}) error {
				rc := value.(RedisConfig)
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.Addr, is.DialString),
					validation.Field(&rc.SessionTTL, validation.Required, validation.Min(time.Second)),
				)
			}),
		),
		validation.Field(&c.Mongo,
			validation.By(func(value interface{}) error {
				mc := value.(MongoConfig)
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.Database, validation.When(mc.URI != "", validation.Required)),
					validation.Field(&mc.Collection, validation.When(mc.URI != "", validation.Required)),
				)
			}),
		),
	)
}

func validateBasePath(value interface{}) error {
	p, _ := value.(string)
	if p == "" {
		return nil
	}
	if !strings.HasPrefix(p, "/") {
		return validation.NewError("validation_invalid_base_path", "must start with /")
	}
	if strings.HasSuffix(p, "/") {
		return validation.NewError("validation_invalid_base_path", "must not end with /")
	}
	return nil
}

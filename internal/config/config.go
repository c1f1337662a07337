package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Worker   WorkerConfig   `json:"worker"`
	Notifier NotifierConfig `json:"notifier"`
	Mail     MailConfig     `json:"mail"`
	Cache    CacheConfig    `json:"cache"`
}

type ServerConfig struct {
	Host            string        `json:"host"`
	Port            string        `json:"port" validate:"required,numeric"`
	ReadTimeout     time.Duration `json:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `json:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `json:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" validate:"gt=0"`
	Environment     string        `json:"environment" validate:"oneof=development test staging production"`
	LogLevel        string        `json:"log_level" validate:"oneof=debug info warn error"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	PageSize        int           `json:"page_size" validate:"gt=0"`
}

type DatabaseConfig struct {
	Driver          string        `json:"driver" validate:"oneof=postgres sqlite"`
	Host            string        `json:"host"`
	Port            string        `json:"port"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	Name            string        `json:"name"`
	SSLMode         string        `json:"ssl_mode"`
	SQLitePath      string        `json:"sqlite_path"`
	MaxOpenConns    int           `json:"max_open_conns" validate:"gt=0"`
	MaxIdleConns    int           `json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	LogLevel        string        `json:"log_level" validate:"oneof=silent error warn info"`
}

type RedisConfig struct {
	Host         string        `json:"host" validate:"required"`
	Port         string        `json:"port" validate:"required,numeric"`
	Password     string        `json:"password"`
	DB           int           `json:"db" validate:"gte=0"`
	PoolSize     int           `json:"pool_size" validate:"gt=0"`
	MinIdleConns int           `json:"min_idle_conns" validate:"gte=0"`
	MaxRetries   int           `json:"max_retries" validate:"gte=0"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type WorkerConfig struct {
	Enabled        bool          `json:"enabled"`
	Concurrency    int           `json:"concurrency" validate:"gt=0"`
	PollInterval   time.Duration `json:"poll_interval" validate:"gte=1s"`
	Queue          string        `json:"queue" validate:"required"`
	MaxTries       int           `json:"max_tries" validate:"gt=0"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" validate:"gt=0"`
	JobTimeout     time.Duration `json:"job_timeout" validate:"gt=0"`
}

type NotifierConfig struct {
	Backend      string   `json:"backend" validate:"oneof=redis kafka log"`
	KafkaBrokers []string `json:"kafka_brokers" validate:"required_if=Backend kafka"`
	KafkaTopic   string   `json:"kafka_topic"`
	KafkaGroup   string   `json:"kafka_group"`
}

type MailConfig struct {
	SMTPHost      string  `json:"smtp_host"`
	SMTPPort      string  `json:"smtp_port"`
	Username      string  `json:"username"`
	Password      string  `json:"password"`
	From          string  `json:"from" validate:"required,email"`
	RatePerSecond float64 `json:"rate_per_second" validate:"gt=0"`
	Burst         int     `json:"burst" validate:"gt=0"`
}

type CacheConfig struct {
	Enabled bool          `json:"enabled"`
	TaskTTL time.Duration `json:"task_ttl"`
	ListTTL time.Duration `json:"list_ttl"`
}

var defaults = map[string]interface{}{
	"host":             "localhost",
	"port":             "8080",
	"read_timeout":     30 * time.Second,
	"write_timeout":    30 * time.Second,
	"idle_timeout":     60 * time.Second,
	"shutdown_timeout": 15 * time.Second,
	"environment":      "development",
	"log_level":        "info",
	"allowed_origins":  "*",
	"tasks_page_size":  5,

	"db_driver":             "postgres",
	"db_host":               "localhost",
	"db_port":               "5432",
	"db_user":               "postgres",
	"db_password":           "",
	"db_name":               "task_tracker",
	"db_ssl_mode":           "disable",
	"db_sqlite_path":        "tasks.db",
	"db_max_open_conns":     25,
	"db_max_idle_conns":     10,
	"db_conn_max_lifetime":  time.Hour,
	"db_conn_max_idle_time": 30 * time.Minute,
	"db_log_level":          "warn",

	"redis_host":           "localhost",
	"redis_port":           "6379",
	"redis_password":       "",
	"redis_db":             0,
	"redis_pool_size":      10,
	"redis_min_idle_conns": 5,
	"redis_max_retries":    3,
	"redis_dial_timeout":   5 * time.Second,
	"redis_read_timeout":   3 * time.Second,
	"redis_write_timeout":  3 * time.Second,

	"worker_enabled":          true,
	"worker_concurrency":      4,
	"worker_poll_interval":    5 * time.Second,
	"worker_queue":            "notifications",
	"worker_max_tries":        3,
	"worker_retry_base_delay": time.Minute,
	"worker_job_timeout":      30 * time.Second,

	"notifier_backend": "redis",
	"kafka_brokers":    "",
	"kafka_topic":      "task-notifications",
	"kafka_group":      "task-notifier",

	"smtp_host":          "",
	"smtp_port":          "25",
	"smtp_username":      "",
	"smtp_password":      "",
	"mail_from":          "noreply@localhost.localdomain",
	"mail_rate_per_sec":  5.0,
	"mail_rate_burst":    5,

	"cache_enabled":  false,
	"cache_task_ttl": 30 * time.Minute,
	"cache_list_ttl": 5 * time.Minute,
}

// LoadConfig reads defaults, an optional file named by CONFIG_FILE and the
// environment, in increasing order of precedence.
func LoadConfig() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host:            v.GetString("host"),
			Port:            v.GetString("port"),
			ReadTimeout:     v.GetDuration("read_timeout"),
			WriteTimeout:    v.GetDuration("write_timeout"),
			IdleTimeout:     v.GetDuration("idle_timeout"),
			ShutdownTimeout: v.GetDuration("shutdown_timeout"),
			Environment:     v.GetString("environment"),
			LogLevel:        strings.ToLower(v.GetString("log_level")),
			AllowedOrigins:  splitList(v.GetString("allowed_origins")),
			PageSize:        v.GetInt("tasks_page_size"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("db_driver"),
			Host:            v.GetString("db_host"),
			Port:            v.GetString("db_port"),
			User:            v.GetString("db_user"),
			Password:        v.GetString("db_password"),
			Name:            v.GetString("db_name"),
			SSLMode:         v.GetString("db_ssl_mode"),
			SQLitePath:      v.GetString("db_sqlite_path"),
			MaxOpenConns:    v.GetInt("db_max_open_conns"),
			MaxIdleConns:    v.GetInt("db_max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("db_conn_max_lifetime"),
			ConnMaxIdleTime: v.GetDuration("db_conn_max_idle_time"),
			LogLevel:        strings.ToLower(v.GetString("db_log_level")),
		},
		Redis: RedisConfig{
			Host:         v.GetString("redis_host"),
			Port:         v.GetString("redis_port"),
			Password:     v.GetString("redis_password"),
			DB:           v.GetInt("redis_db"),
			PoolSize:     v.GetInt("redis_pool_size"),
			MinIdleConns: v.GetInt("redis_min_idle_conns"),
			MaxRetries:   v.GetInt("redis_max_retries"),
			DialTimeout:  v.GetDuration("redis_dial_timeout"),
			ReadTimeout:  v.GetDuration("redis_read_timeout"),
			WriteTimeout: v.GetDuration("redis_write_timeout"),
		},
		Worker: WorkerConfig{
			Enabled:        v.GetBool("worker_enabled"),
			Concurrency:    v.GetInt("worker_concurrency"),
			PollInterval:   v.GetDuration("worker_poll_interval"),
			Queue:          v.GetString("worker_queue"),
			MaxTries:       v.GetInt("worker_max_tries"),
			RetryBaseDelay: v.GetDuration("worker_retry_base_delay"),
			JobTimeout:     v.GetDuration("worker_job_timeout"),
		},
		Notifier: NotifierConfig{
			Backend:      v.GetString("notifier_backend"),
			KafkaBrokers: splitList(v.GetString("kafka_brokers")),
			KafkaTopic:   v.GetString("kafka_topic"),
			KafkaGroup:   v.GetString("kafka_group"),
		},
		Mail: MailConfig{
			SMTPHost:      v.GetString("smtp_host"),
			SMTPPort:      v.GetString("smtp_port"),
			Username:      v.GetString("smtp_username"),
			Password:      v.GetString("smtp_password"),
			From:          v.GetString("mail_from"),
			RatePerSecond: v.GetFloat64("mail_rate_per_sec"),
			Burst:         v.GetInt("mail_rate_burst"),
		},
		Cache: CacheConfig{
			Enabled: v.GetBool("cache_enabled"),
			TaskTTL: v.GetDuration("cache_task_ttl"),
			ListTTL: v.GetDuration("cache_list_ttl"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.IsProduction() && c.Database.Driver == "postgres" && c.Database.Password == "" {
		return fmt.Errorf("database password is required in production")
	}

	return nil
}

func (c *Config) GetDatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

func (c *Config) GetSMTPAddr() string {
	if c.Mail.SMTPHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", c.Mail.SMTPHost, c.Mail.SMTPPort)
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

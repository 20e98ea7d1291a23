package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the server configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Properties PropertiesConfig `mapstructure:"properties"`
	Locks      LocksConfig      `mapstructure:"locks"`
	ETag       ETagConfig       `mapstructure:"etag"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Mode            string        `mapstructure:"mode"`
	Prefix          string        `mapstructure:"prefix"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig holds the accepted users. Users maps a username to a bcrypt hash.
type AuthConfig struct {
	Enabled     bool              `mapstructure:"enabled"`
	JWTSecret   string            `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration     `mapstructure:"token_expiry"`
	Users       map[string]string `mapstructure:"users"`
}

type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	MinIO MinIOConfig `mapstructure:"minio"`
	Local LocalConfig `mapstructure:"local"`
}

type MinIOConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	BucketName string `mapstructure:"bucket_name"`
}

type LocalConfig struct {
	RootPath string `mapstructure:"root_path"`
}

// PropertiesConfig selects where dead properties are kept.
type PropertiesConfig struct {
	Type         string         `mapstructure:"type"`
	MaxValueSize int            `mapstructure:"max_value_size"`
	SQLite       SQLiteConfig   `mapstructure:"sqlite"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// LocksConfig bounds lock lifetimes and selects the lock journal.
type LocksConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	Journal        string        `mapstructure:"journal"`
	SQLite         SQLiteConfig  `mapstructure:"sqlite"`
	Redis          RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type ETagConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	LogBodies  bool   `mapstructure:"log_bodies"`
	MaxBodyLog int    `mapstructure:"max_body_log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.prefix", "/webdav")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "change-me")
	v.SetDefault("auth.token_expiry", 24*time.Hour)
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.minio.endpoint", "localhost:9000")
	v.SetDefault("storage.minio.use_ssl", false)
	v.SetDefault("storage.minio.bucket_name", "webdav")
	v.SetDefault("storage.local.root_path", "./data")
	v.SetDefault("properties.type", "memory")
	v.SetDefault("properties.max_value_size", 10240)
	v.SetDefault("properties.sqlite.path", "./data/properties.db")
	v.SetDefault("properties.postgres.host", "localhost")
	v.SetDefault("properties.postgres.port", 5432)
	v.SetDefault("properties.postgres.ssl_mode", "disable")
	v.SetDefault("locks.default_timeout", time.Hour)
	v.SetDefault("locks.max_timeout", 24*time.Hour)
	v.SetDefault("locks.journal", "none")
	v.SetDefault("locks.sqlite.path", "./data/locks.db")
	v.SetDefault("locks.redis.address", "localhost:6379")
	v.SetDefault("locks.redis.key_prefix", "webdav:lock:")
	v.SetDefault("etag.cache_ttl", 10*time.Minute)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.log_bodies", false)
	v.SetDefault("logging.max_body_log", 4096)
}

// Load reads the configuration. A non-empty path names the config file;
// otherwise config.yaml is searched in the usual places. A .env file in the
// working directory is loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/webdav-server")
		v.AddConfigPath("$HOME/.webdav-server")
	}

	v.SetEnvPrefix("WEBDAV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	setEnvOverrides(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setEnvOverrides applies the plain environment variables used by container
// deployments.
func setEnvOverrides(v *viper.Viper) {
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		v.Set("server.address", addr)
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		v.Set("server.mode", mode)
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		v.Set("auth.jwt_secret", secret)
	}

	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		v.Set("storage.minio.endpoint", endpoint)
	}
	if accessKey := os.Getenv("MINIO_ACCESS_KEY"); accessKey != "" {
		v.Set("storage.minio.access_key", accessKey)
	}
	if secretKey := os.Getenv("MINIO_SECRET_KEY"); secretKey != "" {
		v.Set("storage.minio.secret_key", secretKey)
	}
	if bucket := os.Getenv("MINIO_BUCKET_NAME"); bucket != "" {
		v.Set("storage.minio.bucket_name", bucket)
	}

	if pgHost := os.Getenv("POSTGRES_HOST"); pgHost != "" {
		v.Set("properties.postgres.host", pgHost)
	}
	if pgPort := os.Getenv("POSTGRES_PORT"); pgPort != "" {
		if port, err := strconv.Atoi(pgPort); err == nil {
			v.Set("properties.postgres.port", port)
		}
	}
	if pgUser := os.Getenv("POSTGRES_USERNAME"); pgUser != "" {
		v.Set("properties.postgres.username", pgUser)
	}
	if pgPassword := os.Getenv("POSTGRES_PASSWORD"); pgPassword != "" {
		v.Set("properties.postgres.password", pgPassword)
	}
	if pgDatabase := os.Getenv("POSTGRES_DATABASE"); pgDatabase != "" {
		v.Set("properties.postgres.database", pgDatabase)
	}

	if redisAddr := os.Getenv("REDIS_ADDRESS"); redisAddr != "" {
		v.Set("locks.redis.address", redisAddr)
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		v.Set("locks.redis.password", redisPassword)
	}
	if redisDB := os.Getenv("REDIS_DB"); redisDB != "" {
		if db, err := strconv.Atoi(redisDB); err == nil {
			v.Set("locks.redis.db", db)
		}
	}
}

// Validate rejects unknown backend names and inconsistent settings.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "local", "minio":
	default:
		return fmt.Errorf("config: unknown storage type %q", c.Storage.Type)
	}
	switch c.Properties.Type {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown properties type %q", c.Properties.Type)
	}
	switch c.Locks.Journal {
	case "none", "sqlite", "redis":
	default:
		return fmt.Errorf("config: unknown lock journal %q", c.Locks.Journal)
	}
	if c.Locks.DefaultTimeout <= 0 || c.Locks.MaxTimeout < c.Locks.DefaultTimeout {
		return errors.New("config: locks.max_timeout must be at least locks.default_timeout")
	}
	if !strings.HasPrefix(c.Server.Prefix, "/") {
		return fmt.Errorf("config: server.prefix %q must start with /", c.Server.Prefix)
	}
	if strings.Trim(c.Server.Prefix, "/") == "" {
		return fmt.Errorf("config: server.prefix %q must not be the root; /health and /api live there", c.Server.Prefix)
	}
	if c.Auth.Enabled && len(c.Auth.Users) == 0 {
		return errors.New("config: auth is enabled but no users are configured")
	}
	return nil
}

// PropertiesDSN returns the connection string of the dead property database.
func (c *Config) PropertiesDSN() string {
	switch c.Properties.Type {
	case "postgres":
		return buildPostgresDSN(c.Properties.Postgres)
	case "sqlite":
		return c.Properties.SQLite.Path
	default:
		return ""
	}
}

func buildPostgresDSN(config PostgresConfig) string {
	dsn := "host=" + config.Host
	dsn += " port=" + strconv.Itoa(config.Port)
	dsn += " user=" + config.Username
	dsn += " password=" + config.Password
	dsn += " dbname=" + config.Database
	dsn += " sslmode=" + config.SSLMode
	return dsn
}

func (c *Config) IsProduction() bool {
	return c.Server.Mode == "production" || c.Server.Mode == "release"
}

// GetGINMode maps the server mode onto a gin mode.
func (c *Config) GetGINMode() string {
	switch c.Server.Mode {
	case "debug":
		return gin.DebugMode
	case "release", "production":
		return gin.ReleaseMode
	case "test":
		return gin.TestMode
	default:
		return gin.DebugMode
	}
}

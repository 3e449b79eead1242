package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	QueueModeAsynq  = "asynq"
	QueueModeInline = "inline"

	StorageMinIO = "minio"
	StorageLocal = "local"

	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"

	// SecretEnv 覆盖配置文件中的 JWT 密钥
	SecretEnv = "SLIDES2VIDEO_AUTH_SECRET"
)

type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxUploadMB    int64    `yaml:"max_upload_mb"`
	ReadTimeout    int      `yaml:"read_timeout_seconds"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	Mode        string `yaml:"mode"`
	Concurrency int    `yaml:"concurrency"`
	// 停机时等待 inline 任务结束的秒数
	DrainSeconds int `yaml:"drain_seconds"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	// 预签名下载链接有效期（小时）
	URLExpiryHours int `yaml:"url_expiry_hours"`
}

type StorageConfig struct {
	Driver   string `yaml:"driver"`
	LocalDir string `yaml:"local_dir"`
}

type AuthConfig struct {
	Secret      string `yaml:"secret"`
	Issuer      string `yaml:"issuer"`
	ExpiryHours int    `yaml:"expiry_hours"`
	CookieName  string `yaml:"cookie_name"`
}

type MediaConfig struct {
	Pdftoppm string `yaml:"pdftoppm"`
	FFmpeg   string `yaml:"ffmpeg"`
	DPI      int    `yaml:"dpi"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Media    MediaConfig    `yaml:"media"`
	Log      LogConfig      `yaml:"log"`
}

// Default 返回单进程配置：sqlite + 本地磁盘 + inline 队列
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load 读取 yaml 配置文件，缺省字段使用默认值
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("配置文件读取失败: %w", err)
	}
	defer f.Close()

	cfg := &Config{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("配置文件解析失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8880"
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = 32
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 30
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.DSN == "" && c.Database.Driver == DriverSQLite {
		c.Database.DSN = "slides2video.db"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Queue.Mode == "" {
		c.Queue.Mode = QueueModeInline
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 5
	}
	if c.Queue.DrainSeconds <= 0 {
		c.Queue.DrainSeconds = 30
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = "slides2video"
	}
	if c.MinIO.URLExpiryHours <= 0 {
		c.MinIO.URLExpiryHours = 72
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageLocal
	}
	if c.Storage.LocalDir == "" {
		c.Storage.LocalDir = "data"
	}
	if secret := os.Getenv(SecretEnv); secret != "" {
		c.Auth.Secret = secret
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "slides2video"
	}
	if c.Auth.ExpiryHours <= 0 {
		c.Auth.ExpiryHours = 24
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "slides2video_session"
	}
	if c.Media.Pdftoppm == "" {
		c.Media.Pdftoppm = "pdftoppm"
	}
	if c.Media.FFmpeg == "" {
		c.Media.FFmpeg = "ffmpeg"
	}
	if c.Media.DPI <= 0 {
		c.Media.DPI = 150
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMySQL, DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
	}
	switch c.Queue.Mode {
	case QueueModeAsynq, QueueModeInline:
	default:
		return fmt.Errorf("unsupported queue mode %q", c.Queue.Mode)
	}
	switch c.Storage.Driver {
	case StorageLocal:
	case StorageMinIO:
		if c.MinIO.Endpoint == "" {
			return fmt.Errorf("minio.endpoint is required when storage.driver is minio")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (or set %s)", SecretEnv)
	}
	return nil
}

func (c AuthConfig) Expiry() time.Duration {
	return time.Duration(c.ExpiryHours) * time.Hour
}

func (c MinIOConfig) URLExpiry() time.Duration {
	return time.Duration(c.URLExpiryHours) * time.Hour
}

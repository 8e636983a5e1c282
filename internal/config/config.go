package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. YOLOCAM_SERVER_PORT
const EnvPrefix = "YOLOCAM"

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Inference InferenceConfig `mapstructure:"inference" yaml:"inference"`
	Camera    CameraConfig    `mapstructure:"camera" yaml:"camera"`
	Stream    StreamConfig    `mapstructure:"stream" yaml:"stream"`
	Notify    NotifyConfig    `mapstructure:"notify" yaml:"notify"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Defaults  DefaultsConfig  `mapstructure:"defaults" yaml:"defaults"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         string        `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	CORSOrigin   string        `mapstructure:"cors_origin" yaml:"cors_origin"`
	ShutdownWait time.Duration `mapstructure:"shutdown_wait" yaml:"shutdown_wait"`
}

type LogConfig struct {
	Mode string `mapstructure:"mode" yaml:"mode"` // "release" or "debug"
}

type InferenceConfig struct {
	CPUEndpoint    string        `mapstructure:"cpu_endpoint" yaml:"cpu_endpoint"`
	GPUEndpoint    string        `mapstructure:"gpu_endpoint" yaml:"gpu_endpoint"`
	VendorEndpoint string        `mapstructure:"vendor_endpoint" yaml:"vendor_endpoint"`
	HealthService  string        `mapstructure:"health_service" yaml:"health_service"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	LoadTimeout    time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`
	InferTimeout   time.Duration `mapstructure:"infer_timeout" yaml:"infer_timeout"`
	ConfThreshold  float32       `mapstructure:"conf_threshold" yaml:"conf_threshold"`
	NMSThreshold   float32       `mapstructure:"nms_threshold" yaml:"nms_threshold"`
	JPEGQuality    int           `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
}

type CameraConfig struct {
	BackDevice  string `mapstructure:"back_device" yaml:"back_device"`
	FrontDevice string `mapstructure:"front_device" yaml:"front_device"`
	FPS         int    `mapstructure:"fps" yaml:"fps"`
	Width       int    `mapstructure:"width" yaml:"width"`
	Height      int    `mapstructure:"height" yaml:"height"`
	FFmpegPath  string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
}

type StreamConfig struct {
	Quality     int           `mapstructure:"quality" yaml:"quality"`
	QueueDepth  int           `mapstructure:"queue_depth" yaml:"queue_depth"`
	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
}

type NotifyConfig struct {
	Buffer    int         `mapstructure:"buffer" yaml:"buffer"`
	WebSocket bool        `mapstructure:"websocket" yaml:"websocket"`
	Script    bool        `mapstructure:"script" yaml:"script"`
	MQTT      MQTTConfig  `mapstructure:"mqtt" yaml:"mqtt"`
	Redis     RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker   string `mapstructure:"broker" yaml:"broker"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	QoS      int    `mapstructure:"qos" yaml:"qos"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// Reload events older than this are pruned at startup; zero keeps them all
	ReloadRetention time.Duration `mapstructure:"reload_retention" yaml:"reload_retention"`
}

type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Username  string        `mapstructure:"username" yaml:"username"`
	Password  string        `mapstructure:"password" yaml:"password"`
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry" yaml:"jwt_expiry"`
}

type DefaultsConfig struct {
	Task        int `mapstructure:"task" yaml:"task"`
	Model       int `mapstructure:"model" yaml:"model"`
	Backend     int `mapstructure:"backend" yaml:"backend"`
	Orientation int `mapstructure:"orientation" yaml:"orientation"`
}

// Load reads configuration from path (optional) and YOLOCAM_* environment
// variables on top of defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("server.shutdown_wait", 30*time.Second)

	v.SetDefault("log.mode", "debug")

	v.SetDefault("inference.cpu_endpoint", "localhost:50051")
	v.SetDefault("inference.gpu_endpoint", "")
	v.SetDefault("inference.vendor_endpoint", "")
	v.SetDefault("inference.health_service", "")
	v.SetDefault("inference.dial_timeout", 10*time.Second)
	v.SetDefault("inference.load_timeout", 30*time.Second)
	v.SetDefault("inference.infer_timeout", 2*time.Second)
	v.SetDefault("inference.conf_threshold", 0.25)
	v.SetDefault("inference.nms_threshold", 0.45)
	v.SetDefault("inference.jpeg_quality", 90)

	v.SetDefault("camera.back_device", "/dev/video0")
	v.SetDefault("camera.front_device", "")
	v.SetDefault("camera.fps", 30)
	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)
	v.SetDefault("camera.ffmpeg_path", "ffmpeg")

	v.SetDefault("stream.quality", 80)
	v.SetDefault("stream.queue_depth", 3)
	v.SetDefault("stream.min_interval", 33*time.Millisecond)

	v.SetDefault("notify.buffer", 8)
	v.SetDefault("notify.websocket", true)
	v.SetDefault("notify.script", true)
	v.SetDefault("notify.mqtt.enabled", false)
	v.SetDefault("notify.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("notify.mqtt.client_id", "yolocam")
	v.SetDefault("notify.mqtt.topic", "yolocam/detections")
	v.SetDefault("notify.mqtt.qos", 0)
	v.SetDefault("notify.mqtt.username", "")
	v.SetDefault("notify.mqtt.password", "")
	v.SetDefault("notify.redis.enabled", false)
	v.SetDefault("notify.redis.addr", "localhost:6379")
	v.SetDefault("notify.redis.password", "")
	v.SetDefault("notify.redis.db", 0)
	v.SetDefault("notify.redis.channel", "yolocam:detections")

	v.SetDefault("database.path", "yolocam.db")
	v.SetDefault("database.reload_retention", 7*24*time.Hour)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiry", 24*time.Hour)

	v.SetDefault("defaults.task", 0)
	v.SetDefault("defaults.model", 0)
	v.SetDefault("defaults.backend", 0)
	v.SetDefault("defaults.orientation", 0)
}

// Validate checks values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if c.Notify.MQTT.QoS < 0 || c.Notify.MQTT.QoS > 2 {
		return fmt.Errorf("notify.mqtt.qos must be 0, 1 or 2, got %d", c.Notify.MQTT.QoS)
	}
	if c.Database.ReloadRetention < 0 {
		return errors.New("database.reload_retention must not be negative")
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		return errors.New("auth.password is required when auth is enabled")
	}
	return nil
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// Redacted is the placeholder written in place of secrets
const Redacted = "<redacted>"

// Redact returns a copy of the configuration with passwords and signing keys
// replaced. Empty secrets stay empty so an unset value is still visible.
func (c *Config) Redact() *Config {
	out := *c
	for _, secret := range []*string{
		&out.Auth.Password,
		&out.Auth.JWTSecret,
		&out.Notify.MQTT.Password,
		&out.Notify.Redis.Password,
	} {
		if *secret != "" {
			*secret = Redacted
		}
	}
	return &out
}

// Write encodes the effective configuration as YAML with secrets redacted
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redact()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

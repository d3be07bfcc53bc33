// Package config loads the settings for every role once at start-up. Values
// come from defaults, an optional YAML file and the environment, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/fedqueue/apqb/common/middleware"
)

// ErrMissingDestination is returned when the sender has nowhere to deliver to.
var ErrMissingDestination = errors.New("batch.receiver_domain (BATCH_RECEIVER_DOMAIN) must be set")

const DefaultUserAgent = "ActivityPub-Federation-Queue-Batcher (+https://github.com/fedqueue/apqb)"

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Inbox    InboxConfig    `mapstructure:"inbox" yaml:"inbox"`
	Batch    BatchConfig    `mapstructure:"batch" yaml:"batch"`
	Receiver ReceiverConfig `mapstructure:"receiver" yaml:"receiver"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	DLQ      DLQConfig      `mapstructure:"dlq" yaml:"dlq"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// QueueConfig selects and configures the durable queue.
type QueueConfig struct {
	// Backend is "rabbitmq" or "memory" (single process, development only).
	Backend    string    `mapstructure:"backend" yaml:"backend" validate:"oneof=rabbitmq memory"`
	URL        string    `mapstructure:"url" yaml:"url"`
	Hostname   string    `mapstructure:"hostname" yaml:"hostname"`
	Username   string    `mapstructure:"username" yaml:"username"`
	Password   string    `mapstructure:"password" yaml:"-"`
	RoutingKey string    `mapstructure:"routing_key" yaml:"routing_key" validate:"required"`
	TLS        TLSConfig `mapstructure:"tls" yaml:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name" yaml:"server_name"`
	CAFile             string `mapstructure:"ca_file" yaml:"ca_file"`
	CertFile           string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile            string `mapstructure:"key_file" yaml:"key_file"`
}

// InboxConfig drives the admission gate.
type InboxConfig struct {
	// QueueLimit is the queue depth at which new deliveries are refused.
	// Zero means twice the batch size.
	QueueLimit     int           `mapstructure:"queue_limit" yaml:"queue_limit"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	// RequireActivityID rejects bodies without an "id" (strict). When false
	// the delivery is queued with an empty identifier and a warning.
	RequireActivityID bool          `mapstructure:"require_activity_id" yaml:"require_activity_id"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled" yaml:"rate_limit_enabled"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests" yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window" yaml:"rate_limit_window"`
	TrustedProxies    string        `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
}

// BatchConfig drives the sender.
type BatchConfig struct {
	Size             int           `mapstructure:"size" yaml:"size" validate:"min=1"`
	MaxWait          time.Duration `mapstructure:"max_wait" yaml:"max_wait" validate:"gte=0"`
	IdleBackoff      time.Duration `mapstructure:"idle_backoff" yaml:"idle_backoff"`
	ReceiverProtocol string        `mapstructure:"receiver_protocol" yaml:"receiver_protocol"`
	ReceiverDomain   string        `mapstructure:"receiver_domain" yaml:"receiver_domain"`
	ReceiverPath     string        `mapstructure:"receiver_path" yaml:"receiver_path"`
	Authorization    string        `mapstructure:"authorization" yaml:"-"`
	UserAgent        string        `mapstructure:"user_agent" yaml:"user_agent"`
	// RequestTimeout bounds one batch round trip. Zero leaves it to the transport.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// ReceiverConfig drives the batch endpoint.
type ReceiverConfig struct {
	Path                string        `mapstructure:"path" yaml:"path"`
	Authorization       string        `mapstructure:"authorization" yaml:"-"`
	AllowedIPs          string        `mapstructure:"allowed_ips" yaml:"allowed_ips"`
	TrustedProxies      string        `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
	DestinationProtocol string        `mapstructure:"destination_protocol" yaml:"destination_protocol"`
	DestinationDomain   string        `mapstructure:"destination_domain" yaml:"destination_domain"`
	MaxBodyBytes        int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	UpstreamTimeout     time.Duration `mapstructure:"upstream_timeout" yaml:"upstream_timeout"`
	// WriteTimeout replaces server.write_timeout for the batch endpoint. Zero
	// means unbounded, since a batch may take size x upstream_timeout.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	MaxResponseBytes    int64         `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`
}

type RedisConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

// DLQConfig configures where permanently rejected deliveries are recorded.
type DLQConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Backend  string `mapstructure:"backend" yaml:"backend" validate:"oneof=jetstream file"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"` // file backend only
	NatsURL  string `mapstructure:"nats_url" yaml:"nats_url"`   // jetstream backend only
}

// MetricsConfig is used by the sender, which has no HTTP server of its own.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// legacyEnv maps keys to the variable names used by existing deployments.
var legacyEnv = map[string]string{
	"batch.size":                    "HTTP_BATCH_SIZE",
	"batch.max_wait":                "HTTP_BATCH_MAX_WAIT",
	"batch.receiver_protocol":       "BATCH_RECEIVER_PROTOCOL",
	"batch.receiver_domain":         "BATCH_RECEIVER_DOMAIN",
	"batch.receiver_path":           "BATCH_RECEIVER_PATH",
	"batch.authorization":           "HTTP_BATCH_AUTHORIZATION",
	"batch.user_agent":              "HTTP_USER_AGENT",
	"receiver.path":                 "BATCH_RECEIVER_PATH",
	"receiver.authorization":        "HTTP_BATCH_AUTHORIZATION",
	"receiver.allowed_ips":          "HTTP_ALLOWED_IPS",
	"receiver.trusted_proxies":      "HTTP_TRUSTED_PROXIES",
	"receiver.destination_protocol": "OVERRIDE_DESTINATION_PROTOCOL",
	"receiver.destination_domain":   "OVERRIDE_DESTINATION_DOMAIN",
	"inbox.queue_limit":             "INBOX_RECEIVER_MESSAGE_QUEUE_LIMIT",
	"inbox.trusted_proxies":         "HTTP_TRUSTED_PROXIES",
	"queue.hostname":                "RABBITMQ_HOSTNAME",
	"queue.routing_key":             "RABBITMQ_CHANNEL_ROUTING_KEY",
	"logging.level":                 "LOGLEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("queue.backend", "rabbitmq")
	v.SetDefault("queue.url", "")
	v.SetDefault("queue.hostname", "localhost")
	v.SetDefault("queue.username", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.routing_key", "apub-queue")
	v.SetDefault("queue.tls.enabled", false)
	v.SetDefault("queue.tls.insecure_skip_verify", false)
	v.SetDefault("queue.tls.server_name", "")
	v.SetDefault("queue.tls.ca_file", "")
	v.SetDefault("queue.tls.cert_file", "")
	v.SetDefault("queue.tls.key_file", "")

	v.SetDefault("inbox.queue_limit", 0)
	v.SetDefault("inbox.publish_timeout", "5s")
	v.SetDefault("inbox.max_body_bytes", 10<<20)
	v.SetDefault("inbox.require_activity_id", true)
	v.SetDefault("inbox.rate_limit_enabled", false)
	v.SetDefault("inbox.rate_limit_requests", 600)
	v.SetDefault("inbox.rate_limit_window", "1m")
	v.SetDefault("inbox.trusted_proxies", "")

	v.SetDefault("batch.size", 100)
	v.SetDefault("batch.max_wait", "3s")
	v.SetDefault("batch.idle_backoff", "100ms")
	v.SetDefault("batch.receiver_protocol", "https")
	v.SetDefault("batch.receiver_domain", "")
	v.SetDefault("batch.receiver_path", "/batch")
	v.SetDefault("batch.authorization", "")
	v.SetDefault("batch.user_agent", DefaultUserAgent)
	v.SetDefault("batch.request_timeout", "0s")

	v.SetDefault("receiver.path", "/batch")
	v.SetDefault("receiver.authorization", "")
	v.SetDefault("receiver.allowed_ips", "")
	v.SetDefault("receiver.trusted_proxies", "")
	v.SetDefault("receiver.destination_protocol", "https")
	v.SetDefault("receiver.destination_domain", "")
	v.SetDefault("receiver.max_body_bytes", 20<<20)
	v.SetDefault("receiver.upstream_timeout", "60s")
	v.SetDefault("receiver.write_timeout", "0s")
	v.SetDefault("receiver.max_response_bytes", 1<<20)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)

	v.SetDefault("dlq.enabled", false)
	v.SetDefault("dlq.backend", "jetstream")
	v.SetDefault("dlq.base_path", "/var/lib/apqb/rejected")
	v.SetDefault("dlq.nats_url", "nats://localhost:4222")

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration. configPath may be empty, in which case config.yaml
// is looked up in the working directory and /etc/apqb; a missing file is not
// an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/apqb")
	}

	v.SetEnvPrefix("APQB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "APQB_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for _, key := range secondsKeys {
		if d, ok := bareSeconds(v.GetString(key)); ok {
			v.Set(key, d)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// secondsKeys accept a bare number of seconds as well as a Go duration, as
// HTTP_BATCH_MAX_WAIT=3 did historically.
var secondsKeys = []string{"batch.max_wait", "inbox.publish_timeout"}

func bareSeconds(s string) (time.Duration, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

func (c *Config) normalize() {
	if c.Inbox.QueueLimit <= 0 {
		c.Inbox.QueueLimit = 2 * c.Batch.Size
	}
	c.Batch.Authorization = middleware.NormalizeBearer(c.Batch.Authorization)
	c.Receiver.Authorization = middleware.NormalizeBearer(c.Receiver.Authorization)
	c.Batch.ReceiverPath = ensureLeadingSlash(c.Batch.ReceiverPath)
	c.Receiver.Path = ensureLeadingSlash(c.Receiver.Path)
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	c.DLQ.Backend = strings.ToLower(strings.TrimSpace(c.DLQ.Backend))
}

func ensureLeadingSlash(p string) string {
	if p == "" || strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// Validate checks settings shared by every role. Role specific requirements
// live in RequireSenderDestination.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			return fieldError(fieldErrs[0])
		}
		return err
	}
	if _, err := middleware.ParseIPRules(c.Receiver.AllowedIPs); err != nil {
		return fmt.Errorf("receiver.allowed_ips: %w", err)
	}
	if _, err := middleware.ParseIPRules(c.Receiver.TrustedProxies); err != nil {
		return fmt.Errorf("receiver.trusted_proxies: %w", err)
	}
	if _, err := middleware.ParseIPRules(c.Inbox.TrustedProxies); err != nil {
		return fmt.Errorf("inbox.trusted_proxies: %w", err)
	}
	return nil
}

// validate names fields by their config keys, so errors read "batch.size".
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func fieldError(fe validator.FieldError) error {
	key := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", key)
	case "oneof":
		return fmt.Errorf("unknown %s %q (supported: %s)", key, fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Errorf("%s must satisfy %s=%s, got %v", key, fe.Tag(), fe.Param(), fe.Value())
	}
}

// RequireSenderDestination reports ErrMissingDestination when the sender has
// no batch endpoint configured.
func (c *Config) RequireSenderDestination() error {
	if strings.TrimSpace(c.Batch.ReceiverDomain) == "" {
		return ErrMissingDestination
	}
	return nil
}

// ReceiverServer is the HTTP server configuration of the batch endpoint. The
// response is written only after every item was replayed upstream, so the
// shared write timeout does not apply.
func (c *Config) ReceiverServer() ServerConfig {
	srv := c.Server
	srv.WriteTimeout = c.Receiver.WriteTimeout
	return srv
}

// BatchURL is the batch endpoint the sender submits to.
func (c *Config) BatchURL() string {
	return fmt.Sprintf("%s://%s%s", c.Batch.ReceiverProtocol, c.Batch.ReceiverDomain, c.Batch.ReceiverPath)
}

// AMQPURL returns the explicit queue URL or one built from hostname and
// credentials.
func (c *Config) AMQPURL() string {
	if strings.TrimSpace(c.Queue.URL) != "" {
		return strings.TrimSpace(c.Queue.URL)
	}
	scheme, port := "amqp", "5672"
	if c.Queue.TLS.Enabled {
		scheme, port = "amqps", "5671"
	}
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(c.Queue.Username, c.Queue.Password),
		Host:   net.JoinHostPort(c.Queue.Hostname, port),
		Path:   "/",
	}
	return u.String()
}

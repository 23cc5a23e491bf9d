package flock

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	DevMode  = "dev"
	ProdMode = "prod"
)

const envPrefix = "FLOCK"

type Config struct {
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	// Mode is either dev or prod. The default is dev.
	Mode string `validate:"required,oneof=dev prod"`
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string
	TLS            struct {
		Crt string `validate:"required_with=Key"`
		Key string `validate:"required_with=Crt"`
	}
	Log struct {
		Level  string `validate:"oneof=debug info warn error"`
		Format string `validate:"oneof=text json"`
	}
	WS struct {
		// WriteBuffer is the number of outbound events queued per connection
		// before it is considered a slow consumer and closed.
		WriteBuffer int `validate:"gte=1"`
		// ReadBuffer is the number of inbound events queued for the worker.
		ReadBuffer     int   `validate:"gte=1"`
		MaxMessageSize int64 `validate:"gte=128"`
	}
	Presence struct {
		DefaultName     string `validate:"required"`
		DefaultActivity string `validate:"required"`
		// OfflineTTL is how long an offline member is kept. Zero keeps it forever.
		OfflineTTL    time.Duration `validate:"gte=0"`
		SweepInterval time.Duration `validate:"gt=0"`
	}
	valid bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("mode", DevMode)
	v.SetDefault("allowedorigins", []string{"*"})
	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("ws.writebuffer", 64)
	v.SetDefault("ws.readbuffer", 256)
	v.SetDefault("ws.maxmessagesize", 4096)
	v.SetDefault("presence.defaultname", "Anonymous")
	v.SetDefault("presence.defaultactivity", "unknown")
	v.SetDefault("presence.offlinettl", 0)
	v.SetDefault("presence.sweepinterval", time.Minute)
}

// LoadConfig loads the configuration from config.yaml in the given
// directories (the working directory when none is given), then from
// FLOCK_ prefixed environment variables (FLOCK_PRESENCE_OFFLINETTL for
// presence.offlinettl). A missing config file is not an error.
// Values that cannot be decoded are left for the validation step to catch.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

// Addr is the address the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// TLSEnabled reports whether both a certificate and a key are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLS.Crt != "" && c.TLS.Key != ""
}

// FormatValidationErrors renders validation errors one per line, sorted.
func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, v := range slices.Sorted(maps.Values(translated)) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}

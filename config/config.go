// Package config loads weft configuration using Viper. Values come
// from WEFT_-prefixed environment variables, an optional TOML file,
// and built-in defaults, in that order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teranos/weft/errors"
)

// Config is the weft core configuration.
type Config struct {
	// Discovery holds registration/lookup settings shared by servers
	// and channels.
	Discovery DiscoveryConfig `mapstructure:"discovery"`

	// ZooKeeper holds coordination-store connection settings.
	ZooKeeper ZooKeeperConfig `mapstructure:"zookeeper"`

	// TLS holds optional transport-security material paths.
	TLS TLSConfig `mapstructure:"tls"`
}

// DiscoveryConfig configures registration and balancing behavior.
type DiscoveryConfig struct {
	// Path is the registration directory, e.g. "/weft/local_dev".
	Path string `mapstructure:"path"`

	// LoadUpdateInterval is the publisher debounce window.
	LoadUpdateInterval time.Duration `mapstructure:"load_update_interval"`

	// MaxMessageSize bounds gRPC message size; 0 keeps defaults.
	MaxMessageSize int `mapstructure:"max_message_size"`
}

// ZooKeeperConfig configures the ensemble connection.
type ZooKeeperConfig struct {
	// Servers lists ensemble members as host:port.
	Servers []string `mapstructure:"servers"`

	// SessionTimeout bounds ephemeral-node survival across
	// disconnects.
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

// TLSConfig points at PEM material. CertFile and KeyFile must be set
// together; TrustFile is optional and enables client verification.
type TLSConfig struct {
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`
	TrustFile string `mapstructure:"trust_file"`
}

// Enabled reports whether TLS material is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// SetDefaults installs weft's defaults on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("discovery.path", "/weft/services")
	v.SetDefault("discovery.load_update_interval", 100*time.Millisecond)
	v.SetDefault("discovery.max_message_size", 0)
	v.SetDefault("zookeeper.servers", []string{"127.0.0.1:2181"})
	v.SetDefault("zookeeper.session_timeout", 10*time.Second)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".weft"))
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the configuration from the default locations. A missing
// config file is not an error; defaults and environment apply.
func Load() (*Config, error) {
	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}
	return LoadWithViper(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals configuration from a prepared Viper
// instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

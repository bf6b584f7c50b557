package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/folkengine/goname"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tcriess/lightspeed-lan/globals"
)

const (
	defaultPort          = 55300
	defaultDiscoveryPort = 55302
	defaultMaxFileSize   = 50 * 1024 * 1024
)

// Config is the global configuration object which is filled via the configuration file, the environment
// (prefix LSLAN_) and the command line. It is created once at startup and passed to every component.
type Config struct {
	LogLevel          string            `mapstructure:"log_level"`
	ServerName        string            `mapstructure:"server_name"`
	Username          string            `mapstructure:"username"`
	BindAddress       string            `mapstructure:"bind_address"`
	Port              int               `mapstructure:"port"`
	DataDir           string            `mapstructure:"data_dir"`
	Token             string            `mapstructure:"token"`
	TLSConfig         TLSConfig         `mapstructure:"tls"`
	SecurityConfig    SecurityConfig    `mapstructure:"security"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
	LimitsConfig      LimitsConfig      `mapstructure:"limits"`
	DiscoveryConfig   DiscoveryConfig   `mapstructure:"discovery"`
	WatchdogConfig    WatchdogConfig    `mapstructure:"watchdog"`
}

// TLSConfig toggles wss:// and mutual TLS. Certificates are issued by the local CA in PKIDir.
type TLSConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	RequireClientCert bool     `mapstructure:"require_client_cert"`
	PKIDir            string   `mapstructure:"pki_dir"`
	Hosts             []string `mapstructure:"hosts"` // SANs of the server leaf certificate
}

// SecurityConfig configures the optional hardening tier.
type SecurityConfig struct {
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	TokenClockSkew time.Duration `mapstructure:"token_clock_skew"`
	RequireBearer  bool          `mapstructure:"require_bearer"`
	EncryptFrames  bool          `mapstructure:"encrypt_frames"`
	SignBeacons    bool          `mapstructure:"sign_beacons"`
}

// PersistenceConfig selects the store backend: "sqlite" (default), "gorm-sqlite" or "gorm-postgres". An empty DSN
// means data_dir/lightspeed-lan.db for the sqlite variants.
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// HistoryConfig configures how many events are returned by history queries and sent on join.
type HistoryConfig struct {
	HistorySize int `mapstructure:"history_size"`
	JoinHistory int `mapstructure:"join_history"`
}

// LimitsConfig holds the abuse containment and resource limits of the server.
type LimitsConfig struct {
	Rate               float64       `mapstructure:"rate"` // frames per second
	Burst              int           `mapstructure:"burst"`
	AbuseThreshold     int           `mapstructure:"abuse_threshold"`
	MalformedThreshold int           `mapstructure:"malformed_threshold"`
	MalformedWindow    time.Duration `mapstructure:"malformed_window"`
	SendQueue          int           `mapstructure:"send_queue"`
	MaxFileSize        int64         `mapstructure:"max_file_size"`
	AuthTimeout        time.Duration `mapstructure:"auth_timeout"`
	StopGrace          time.Duration `mapstructure:"stop_grace"`
}

// DiscoveryConfig configures the UDP beacon and scanner.
type DiscoveryConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Port          int           `mapstructure:"port"`
	Interval      time.Duration `mapstructure:"interval"`
	TTL           time.Duration `mapstructure:"ttl"`
	RequireSigned bool          `mapstructure:"require_signed"`
	TrustedKeys   []string      `mapstructure:"trusted_keys"` // base64 Ed25519 public keys
}

// WatchdogConfig configures the restart backoff of the server supervisor.
type WatchdogConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	HealthyAfter   time.Duration `mapstructure:"healthy_after"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flagSet.String("server-name", "", "name announced by the discovery beacon")
	flagSet.StringP("username", "u", "", "display name used by the client")
	flagSet.String("bind-address", "", "address the server binds to")
	flagSet.IntP("port", "P", 0, "chat port")
	flagSet.StringP("data-dir", "d", "", "directory holding the database, uploads and the PKI")
	flagSet.StringP("token", "t", "", "shared token secret")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "INFO")
	v.SetDefault("bind_address", "0.0.0.0")
	v.SetDefault("port", defaultPort)
	v.SetDefault("data_dir", "data")
	v.SetDefault("persistence.type", "sqlite")
	v.SetDefault("security.token_ttl", 5*time.Minute)
	v.SetDefault("security.token_clock_skew", 30*time.Second)
	v.SetDefault("history.history_size", 250)
	v.SetDefault("history.join_history", 50)
	v.SetDefault("limits.rate", 20.0)
	v.SetDefault("limits.burst", 20)
	v.SetDefault("limits.abuse_threshold", 50)
	v.SetDefault("limits.malformed_threshold", 5)
	v.SetDefault("limits.malformed_window", 10*time.Second)
	v.SetDefault("limits.send_queue", 256)
	v.SetDefault("limits.max_file_size", defaultMaxFileSize)
	v.SetDefault("limits.auth_timeout", 18*time.Second)
	v.SetDefault("limits.stop_grace", 5*time.Second)
	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.port", defaultDiscoveryPort)
	v.SetDefault("discovery.interval", 8*time.Second)
	v.SetDefault("discovery.ttl", 14*time.Second)
	v.SetDefault("watchdog.initial_backoff", 2*time.Second)
	v.SetDefault("watchdog.max_backoff", 60*time.Second)
	v.SetDefault("watchdog.healthy_after", 60*time.Second)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. Flags that were set
// explicitly take precedence over the environment, which takes precedence over the file. It returns a Config
// object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	v := viper.New()
	setDefaults(v)
	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		flagSet.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				if err := v.BindPFlag(string(wordSepNormalizeFunc(flagSet, f.Name)), f); err != nil {
					globals.AppLogger.Error("could not bind flag (ignored)", "flag", f.Name, "error", err)
				}
			}
		})
	}
	v.SetEnvPrefix("LSLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		v.SetConfigType("toml")
		err = v.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
	}
	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	cfg.fillDerived()

	globals.AppLogger.Debug("config", "server_name", cfg.ServerName, "port", cfg.Port, "tls", cfg.TLSConfig.Enabled,
		"persistence", cfg.PersistenceConfig.Type)
	return &cfg, nil
}

func (c *Config) fillDerived() {
	if c.ServerName == "" {
		c.ServerName = goname.New(goname.FantasyMap).FirstLast()
	}
	if c.Username == "" {
		c.Username = goname.New(goname.FantasyMap).FirstLast() + " (guest)"
	}
	if c.TLSConfig.PKIDir == "" {
		c.TLSConfig.PKIDir = filepath.Join(c.DataDir, "pki")
	}
}

// Validate checks the settings every server and client needs.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("no shared token configured (token / LSLAN_TOKEN / --token)")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DiscoveryConfig.Enabled && c.DiscoveryConfig.Port == c.Port {
		return fmt.Errorf("discovery port must differ from the chat port")
	}
	if c.LimitsConfig.MaxFileSize <= 0 {
		return fmt.Errorf("invalid max_file_size %d", c.LimitsConfig.MaxFileSize)
	}
	return nil
}

// Default returns a configuration populated with the defaults only, used by tests and embedders.
func Default() *Config {
	cfg := Config{}
	v := viper.New()
	setDefaults(v)
	_ = v.Unmarshal(&cfg)
	cfg.fillDerived()
	return &cfg
}

// DatabasePath is the path of the default sqlite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "lightspeed-lan.db")
}

// FilesDir is where uploaded file contents are stored under their hash.
func (c *Config) FilesDir() string {
	return filepath.Join(c.DataDir, "files")
}

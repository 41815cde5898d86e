// Package config assembles the runtime configuration once at startup. Values
// come from built-in defaults, an optional YAML file, an optional dotenv file
// and AG_* environment variables, in increasing order of precedence.
// Components receive the resulting Config and never consult the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
	"gopkg.in/yaml.v3"
)

// Locator modes.
const (
	ModeDiscover = "discover"
	ModeLaunch   = "launch"
	ModeTunnel   = "tunnel"
)

const (
	stateDirName             = ".antigravity-standalone"
	defaultConfigFileName    = "config.yaml"
	defaultEnvFileName       = ".env"
	defaultCacheFileName     = "quota_cache.json"
	defaultTunnelFileName    = "tunnel_config.json"
	defaultServerPort        = 56112
	defaultTunnelPort        = 50001
	defaultCloudCodeEndpoint = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	defaultAppDataDir        = "antigravity"
	defaultProcessName       = "language_server"
	defaultOAuthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	macAppExtensionDir       = "/Applications/Antigravity.app/Contents/Resources/app/extensions/antigravity"
)

// Config is the complete runtime configuration.
type Config struct {
	Mode      string `yaml:"mode"`
	Debug     bool   `yaml:"debug"`
	LogFile   string `yaml:"log-file"`
	CacheFile string `yaml:"cache-file"`

	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Tunnel      TunnelConfig      `yaml:"tunnel"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	RPC         RPCConfig         `yaml:"rpc"`
	Watch       WatchConfig       `yaml:"watch"`
}

// ServerConfig describes how a language server is launched and reached in
// launch mode.
type ServerConfig struct {
	BinaryPath        string        `yaml:"binary-path"`
	CertFile          string        `yaml:"cert-file"`
	Port              int           `yaml:"port"`
	Scheme            string        `yaml:"scheme"`
	CSRFToken         string        `yaml:"csrf-token"`
	CloudCodeEndpoint string        `yaml:"cloud-code-endpoint"`
	GeminiDir         string        `yaml:"gemini-dir"`
	AppDataDir        string        `yaml:"app-data-dir"`
	ExtensionPath     string        `yaml:"extension-path"`
	ReadyAttempts     int           `yaml:"ready-attempts"`
	ReadyInterval     time.Duration `yaml:"ready-interval"`
	ReadyTimeout      time.Duration `yaml:"ready-timeout"`
	StopGrace         time.Duration `yaml:"stop-grace"`
	PushToken         bool          `yaml:"push-token"`
}

// CredentialsConfig selects and locates the credential source.
type CredentialsConfig struct {
	// Source is "gemini", "opencode" or empty for automatic selection.
	Source         string `yaml:"source"`
	OAuthCredsFile string `yaml:"oauth-creds-file"`
	AccountsFile   string `yaml:"accounts-file"`
	ClientID       string `yaml:"client-id"`
	ClientSecret   string `yaml:"client-secret"`
	TokenURL       string `yaml:"token-url"`
}

// TunnelConfig describes a server reached through a forwarded local port.
type TunnelConfig struct {
	ConfigFile string `yaml:"config-file"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Scheme     string `yaml:"scheme"`
	CSRFToken  string `yaml:"csrf-token"`
	// CertFile is the CA trusted for an https tunnel. Insecure skips
	// verification instead, for tunnels whose certificate is not at hand.
	CertFile string `yaml:"cert-file"`
	Insecure bool   `yaml:"insecure"`
}

// DiscoveryConfig tunes the local process scan.
type DiscoveryConfig struct {
	ProcessName  string        `yaml:"process-name"`
	Enumerator   string        `yaml:"enumerator"`
	PortLister   string        `yaml:"port-lister"`
	ProbeTimeout time.Duration `yaml:"probe-timeout"`
	Budget       time.Duration `yaml:"budget"`
}

// RPCConfig tunes the transport.
type RPCConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	ForceHTTP2 bool          `yaml:"force-http2"`
}

// WatchConfig tunes the watch command.
type WatchConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// ConfigFile is an explicit YAML path. When empty the default path is used
	// and a missing file is not an error.
	ConfigFile string
	// EnvFile is an explicit dotenv path with the same rules as ConfigFile.
	EnvFile string
	// HomeDir overrides the user's home directory.
	HomeDir string
	// Lookup reads environment variables. Defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Default returns the built-in configuration rooted at home.
func Default(home string) *Config {
	stateDir := filepath.Join(home, stateDirName)
	cfg := &Config{
		Mode:      ModeDiscover,
		CacheFile: filepath.Join(stateDir, defaultCacheFileName),
		Server: ServerConfig{
			Port:              defaultServerPort,
			Scheme:            "https",
			CloudCodeEndpoint: defaultCloudCodeEndpoint,
			GeminiDir:         filepath.Join(home, ".gemini"),
			AppDataDir:        defaultAppDataDir,
			ReadyAttempts:     120,
			ReadyInterval:     100 * time.Millisecond,
			ReadyTimeout:      30 * time.Second,
			StopGrace:         2 * time.Second,
			PushToken:         true,
		},
		Credentials: CredentialsConfig{
			OAuthCredsFile: filepath.Join(home, ".gemini", "oauth_creds.json"),
			AccountsFile:   filepath.Join(home, ".local", "share", "opencode", "antigravity-accounts.json"),
			ClientID:       defaultOAuthClientID,
		},
		Tunnel: TunnelConfig{
			ConfigFile: filepath.Join(stateDir, defaultTunnelFileName),
			Host:       "127.0.0.1",
			Scheme:     "http",
		},
		Discovery: DiscoveryConfig{
			ProcessName:  defaultProcessName,
			ProbeTimeout: 5 * time.Second,
			Budget:       20 * time.Second,
		},
		RPC: RPCConfig{
			Timeout: 10 * time.Second,
		},
		Watch: WatchConfig{
			Interval: time.Minute,
		},
	}
	if runtime.GOOS == "darwin" {
		cfg.Server.BinaryPath = filepath.Join(macAppExtensionDir, "bin", "language_server_macos_arm")
		cfg.Server.CertFile = filepath.Join(macAppExtensionDir, "dist", "languageServer", "cert.pem")
		cfg.Server.ExtensionPath = macAppExtensionDir
	} else {
		cfg.Server.BinaryPath = filepath.Join(stateDir, "bin", "language_server_linux_x64")
		cfg.Server.CertFile = filepath.Join(stateDir, "cert.pem")
		cfg.Server.ExtensionPath = stateDir
	}
	return cfg
}

// StateDir returns the directory holding the cache and tunnel files.
func StateDir(home string) string {
	return filepath.Join(home, stateDirName)
}

// Load builds the configuration from defaults, files and environment.
func Load(opts LoadOptions) (*Config, error) {
	home := opts.HomeDir
	if home == "" {
		var errHome error
		home, errHome = os.UserHomeDir()
		if errHome != nil {
			return nil, apperr.Configuration("config", "", "resolve home dir", errHome)
		}
	}
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := Default(home)

	configFile, explicit := opts.ConfigFile, opts.ConfigFile != ""
	if !explicit {
		configFile = filepath.Join(StateDir(home), defaultConfigFileName)
	}
	if err := cfg.mergeYAML(configFile, explicit); err != nil {
		return nil, err
	}

	envFile, explicitEnv := opts.EnvFile, opts.EnvFile != ""
	if !explicitEnv {
		envFile = filepath.Join(StateDir(home), defaultEnvFileName)
	}
	fileEnv, errEnv := readEnvFile(envFile, explicitEnv)
	if errEnv != nil {
		return nil, errEnv
	}
	env := func(key string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(fileEnv[key])
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	if err := cfg.mergeTunnelFile(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) mergeYAML(path string, explicit bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return apperr.Configuration("config", path, "read config file", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if errUnmarshal := yaml.Unmarshal(raw, cfg); errUnmarshal != nil {
		return apperr.Configuration("config", path, "parse config file", errUnmarshal)
	}
	return nil
}

func readEnvFile(path string, explicit bool) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil, nil
		}
		return nil, apperr.Configuration("config", path, "read env file", err)
	}
	return values, nil
}

func (cfg *Config) applyEnv(env func(string) string) error {
	setString := func(dst *string, key string) {
		if v := env(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) error {
		v := env(key)
		if v == "" {
			return nil
		}
		n, errParse := strconv.Atoi(v)
		if errParse != nil {
			return apperr.Configuration("config", "", fmt.Sprintf("%s must be an integer", key), errParse)
		}
		*dst = n
		return nil
	}
	setBool := func(dst *bool, key string) error {
		v := env(key)
		if v == "" {
			return nil
		}
		b, errParse := strconv.ParseBool(v)
		if errParse != nil {
			return apperr.Configuration("config", "", fmt.Sprintf("%s must be a boolean", key), errParse)
		}
		*dst = b
		return nil
	}

	setString(&cfg.Mode, "AG_MODE")
	setString(&cfg.LogFile, "AG_LOG_FILE")
	setString(&cfg.CacheFile, "AG_CACHE_FILE")
	if err := setBool(&cfg.Debug, "AG_DEBUG"); err != nil {
		return err
	}

	setString(&cfg.Credentials.Source, "AG_TOKEN_SOURCE")
	setString(&cfg.Credentials.OAuthCredsFile, "AG_OAUTH_CREDS_JSON")
	setString(&cfg.Credentials.AccountsFile, "AG_OPENCODE_ACCOUNTS_JSON")
	setString(&cfg.Credentials.ClientID, "AG_OAUTH_CLIENT_ID")
	setString(&cfg.Credentials.ClientSecret, "AG_OAUTH_CLIENT_SECRET")

	setString(&cfg.Server.BinaryPath, "AG_LS_PATH")
	setString(&cfg.Server.CertFile, "AG_CERT_PEM")
	setString(&cfg.Server.GeminiDir, "AG_GEMINI_DIR")
	setString(&cfg.Server.AppDataDir, "AG_APP_DATA_DIR")
	setString(&cfg.Server.CloudCodeEndpoint, "AG_CLOUD_CODE_ENDPOINT")
	setString(&cfg.Server.CSRFToken, "AG_CSRF_TOKEN")
	if err := setInt(&cfg.Server.Port, "AG_SERVER_PORT"); err != nil {
		return err
	}

	setString(&cfg.Tunnel.ConfigFile, "AG_TUNNEL_CONFIG_JSON")
	setString(&cfg.Tunnel.CSRFToken, "AG_TUNNEL_CSRF_TOKEN")
	setString(&cfg.Tunnel.Scheme, "AG_TUNNEL_SCHEME")
	setString(&cfg.Tunnel.CertFile, "AG_TUNNEL_CERT_PEM")
	if err := setBool(&cfg.Tunnel.Insecure, "AG_TUNNEL_INSECURE"); err != nil {
		return err
	}
	if err := setInt(&cfg.Tunnel.Port, "AG_TUNNEL_PORT"); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) mergeTunnelFile() error {
	if cfg.Tunnel.ConfigFile == "" {
		if cfg.Tunnel.Port == 0 {
			cfg.Tunnel.Port = defaultTunnelPort
		}
		return nil
	}
	tf, err := LoadTunnelFile(cfg.Tunnel.ConfigFile)
	if err != nil {
		if cfg.Mode != ModeTunnel {
			// Only tunnel mode depends on this file.
			tf = DefaultTunnelFile()
		} else {
			return err
		}
	}
	if cfg.Tunnel.Port == 0 {
		cfg.Tunnel.Port = tf.Port
	}
	if cfg.Tunnel.CSRFToken == "" {
		cfg.Tunnel.CSRFToken = tf.CSRFToken
	}
	return nil
}

// Validate checks values that would otherwise fail later in a confusing way.
func (cfg *Config) Validate() error {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case ModeDiscover, ModeLaunch, ModeTunnel:
	case "":
		cfg.Mode = ModeDiscover
	default:
		return apperr.Configuration("config", "", fmt.Sprintf("unknown mode %q (want discover, launch or tunnel)", cfg.Mode), nil)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return apperr.Configuration("config", "", fmt.Sprintf("server port %d out of range", cfg.Server.Port), nil)
	}
	if cfg.Tunnel.Port <= 0 || cfg.Tunnel.Port > 65535 {
		return apperr.Configuration("config", "", fmt.Sprintf("tunnel port %d out of range", cfg.Tunnel.Port), nil)
	}
	if cfg.Mode == ModeTunnel && cfg.Tunnel.CSRFToken == "" {
		return apperr.Configuration("config", cfg.Tunnel.ConfigFile, "tunnel mode requires a csrf token (run tunnel-config <token>)", nil)
	}
	if cfg.Mode == ModeTunnel && strings.EqualFold(cfg.Tunnel.Scheme, "https") && cfg.Tunnel.CertFile == "" && !cfg.Tunnel.Insecure {
		return apperr.Configuration("config", "", "https tunnel requires tunnel.cert-file or tunnel.insecure", nil)
	}
	if cfg.CacheFile == "" {
		return apperr.Configuration("config", "", "cache file path is empty", nil)
	}
	return nil
}

// EnsureCSRFToken returns the configured launch CSRF token, generating and
// storing a random one when none is set.
func (cfg *Config) EnsureCSRFToken() string {
	if cfg.Server.CSRFToken == "" {
		cfg.Server.CSRFToken = uuid.NewString()
	}
	return cfg.Server.CSRFToken
}

// Package app implements the antigravity-quota command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
	"github.com/weiro2020/opencode-antigravity-stats/internal/auth"
	"github.com/weiro2020/opencode-antigravity-stats/internal/config"
	"github.com/weiro2020/opencode-antigravity-stats/internal/langserver"
	"github.com/weiro2020/opencode-antigravity-stats/internal/logging"
	"github.com/weiro2020/opencode-antigravity-stats/internal/quota"
	"github.com/weiro2020/opencode-antigravity-stats/internal/rpc"
	"github.com/weiro2020/opencode-antigravity-stats/internal/wire"
)

const usage = `usage: antigravity-quota [command] [flags]

commands:
  status                     show quota (default)
  watch                      refresh quota periodically
  launch                     run a standalone language server until interrupted
  probe                      launch a server and exercise its RPC methods
  tunnel-config <token> [port]
                             update the tunnel csrf token and remote port
`

// App holds the process environment the commands run against.
type App struct {
	Stdout io.Writer
	Stderr io.Writer
	// HomeDir overrides the user's home directory.
	HomeDir string
	// Lookup reads environment variables. Defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// New returns an App bound to the real process environment.
func New() *App {
	return &App{Stdout: os.Stdout, Stderr: os.Stderr, Lookup: os.LookupEnv}
}

// Run dispatches args to a command.
func (a *App) Run(ctx context.Context, args []string) error {
	command := "status"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	switch command {
	case "status":
		return a.runStatus(ctx, args)
	case "watch":
		return a.runWatch(ctx, args)
	case "launch":
		return a.runLaunch(ctx, args)
	case "probe":
		return a.runProbe(ctx, args)
	case "tunnel-config":
		return a.runTunnelConfig(args)
	case "help":
		_, err := io.WriteString(a.Stdout, usage)
		return err
	default:
		return apperr.Configuration("cli", "", fmt.Sprintf("unknown command %q\n%s", command, usage), nil)
	}
}

// commonFlags are accepted by every command that talks to a server.
type commonFlags struct {
	configFile string
	envFile    string
	mode       string
	logFile    string
	debug      bool
	quiet      bool
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.configFile, "config", "", "path to config.yaml")
	fs.StringVar(&c.envFile, "env-file", "", "path to a dotenv file")
	fs.StringVar(&c.mode, "mode", "", "server mode: discover, launch or tunnel")
	fs.StringVar(&c.logFile, "log-file", "", "write logs to a rotating file")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")
	fs.BoolVarP(&c.quiet, "quiet", "q", false, "suppress status messages")
}

func (a *App) newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	fs.SortFlags = false
	return fs
}

// parseFlags returns errHelp untouched so callers can exit cleanly.
func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return apperr.Configuration("cli", "", err.Error(), err)
	}
	return nil
}

func helpRequested(err error) bool {
	return errors.Is(err, pflag.ErrHelp)
}

// session is everything a command needs to reach a server.
type session struct {
	cfg        *config.Config
	credential *auth.Credential
	metadata   wire.Metadata
	client     *rpc.Client
	locator    langserver.Locator
	live       *quota.LiveSource
	reconciler *quota.Reconciler
	logCloser  io.Closer
}

func (s *session) Close() {
	if s.locator != nil {
		if errClose := s.locator.Close(); errClose != nil {
			log.Warnf("app: stop language server: %v", errClose)
		}
	}
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
}

// loadConfig reads the configuration with command line flags taking
// precedence over AG_* variables.
func (a *App) loadConfig(flags commonFlags) (*config.Config, error) {
	lookup := a.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	overrides := map[string]string{}
	if flags.mode != "" {
		overrides["AG_MODE"] = flags.mode
	}
	if flags.logFile != "" {
		overrides["AG_LOG_FILE"] = flags.logFile
	}
	return config.Load(config.LoadOptions{
		ConfigFile: flags.configFile,
		EnvFile:    flags.envFile,
		HomeDir:    a.HomeDir,
		Lookup: func(key string) (string, bool) {
			if v, ok := overrides[key]; ok {
				return v, true
			}
			return lookup(key)
		},
	})
}

func (a *App) setupLogging(cfg *config.Config, flags commonFlags) (io.Closer, error) {
	closer, err := logging.Setup(logging.Options{
		Debug:  cfg.Debug || flags.debug,
		Quiet:  flags.quiet,
		File:   cfg.LogFile,
		Output: a.Stderr,
	})
	if err != nil {
		return nil, apperr.Configuration("logging", cfg.LogFile, "open log file", err)
	}
	return closer, nil
}

// openSession resolves credentials and builds the locator for cfg.Mode.
// Credentials are only read when live data is wanted. Discovery and tunnel
// modes use them for an optional api key and carry on without one; launch
// mode needs them.
func (a *App) openSession(ctx context.Context, flags commonFlags, live bool) (*session, error) {
	cfg, err := a.loadConfig(flags)
	if err != nil {
		return nil, err
	}
	closer, err := a.setupLogging(cfg, flags)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logCloser: closer}

	if live {
		cred, err := resolveCredential(ctx, cfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.credential = cred
	}

	apiKey := ""
	if s.credential != nil {
		apiKey = s.credential.AccessToken
	}
	s.metadata = wire.DefaultMetadata(apiKey)
	s.metadata.ExtensionPath = cfg.Server.ExtensionPath

	s.client = rpc.NewClient(clientOptions(cfg))
	s.locator = a.newLocator(cfg, s, true)
	s.live = &quota.LiveSource{Locator: s.locator, Caller: s.client, Metadata: s.metadata}
	s.reconciler = &quota.Reconciler{Live: s.live, Store: quota.NewStore(cfg.CacheFile)}
	return s, nil
}

// clientOptions pins the launch CA, or the tunnel's own TLS settings in
// tunnel mode.
func clientOptions(cfg *config.Config) rpc.Options {
	opts := rpc.Options{
		CAFile:     cfg.Server.CertFile,
		Timeout:    cfg.RPC.Timeout,
		ForceHTTP2: cfg.RPC.ForceHTTP2,
	}
	if cfg.Mode == config.ModeTunnel {
		opts.CAFile = cfg.Tunnel.CertFile
		opts.InsecureSkipVerify = cfg.Tunnel.Insecure
	}
	return opts
}

func resolveCredential(ctx context.Context, cfg *config.Config) (*auth.Credential, error) {
	provider, err := auth.NewProvider(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	cred, err := provider.Resolve(ctx)
	if err == nil {
		log.Debugf("app: %s", cred)
		return cred, nil
	}
	if cfg.Mode == config.ModeLaunch || errors.Is(err, context.Canceled) {
		return nil, err
	}
	if apperr.KindOf(err) == apperr.KindConfiguration && errors.Is(err, os.ErrNotExist) {
		log.Debugf("app: no %s credentials, continuing without api key", provider.Name())
	} else {
		log.Warnf("app: %s credentials unavailable, continuing without api key: %v", provider.Name(), err)
	}
	return nil, nil
}

// newLocator builds the locator for cfg.Mode. pushToken controls whether a
// launched server receives SaveOAuthTokenInfo automatically.
func (a *App) newLocator(cfg *config.Config, s *session, pushToken bool) langserver.Locator {
	switch cfg.Mode {
	case config.ModeLaunch:
		return langserver.NewLauncher(launchOptions(cfg, s, pushToken), s.client)
	case config.ModeTunnel:
		return langserver.TunnelLocator{
			Port:      cfg.Tunnel.Port,
			CSRFToken: cfg.Tunnel.CSRFToken,
			Scheme:    cfg.Tunnel.Scheme,
			Host:      cfg.Tunnel.Host,
		}
	default:
		return &langserver.Discoverer{
			Processes: langserver.DefaultProcessEnumerator(cfg.Discovery.Enumerator),
			Ports:     langserver.DefaultPortLister(cfg.Discovery.PortLister),
			Prober: langserver.StatusProber{
				Caller:   s.client,
				Metadata: s.metadata,
				Timeout:  cfg.Discovery.ProbeTimeout,
			},
			ProcessName: cfg.Discovery.ProcessName,
			Budget:      cfg.Discovery.Budget,
			Scheme:      "http",
		}
	}
}

func launchOptions(cfg *config.Config, s *session, pushToken bool) langserver.LaunchOptions {
	opts := langserver.LaunchOptions{
		BinaryPath:        cfg.Server.BinaryPath,
		Port:              cfg.Server.Port,
		CSRFToken:         cfg.EnsureCSRFToken(),
		CloudCodeEndpoint: cfg.Server.CloudCodeEndpoint,
		GeminiDir:         cfg.Server.GeminiDir,
		AppDataDir:        cfg.Server.AppDataDir,
		Scheme:            cfg.Server.Scheme,
		Handshake:         s.metadata.Marshal(),
		Ready: langserver.RetryPolicy{
			Attempts: cfg.Server.ReadyAttempts,
			Interval: cfg.Server.ReadyInterval,
			Timeout:  cfg.Server.ReadyTimeout,
		},
		StopGrace: cfg.Server.StopGrace,
	}
	if s.credential != nil {
		opts.Redact = []string{s.credential.AccessToken, s.credential.RefreshToken}
		if pushToken && cfg.Server.PushToken {
			opts.TokenInfo = tokenInfoRequest(s.credential)
		}
	}
	return opts
}

func tokenInfoRequest(cred *auth.Credential) []byte {
	return wire.SaveOAuthTokenInfoRequest(wire.TokenInfo{
		AccessToken:  cred.AccessToken,
		TokenType:    cred.TokenType,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	})
}

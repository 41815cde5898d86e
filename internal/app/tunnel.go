package app

import (
	"fmt"
	"strconv"

	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
	"github.com/weiro2020/opencode-antigravity-stats/internal/config"
)

const tunnelUsage = "Uso: update-tunnel-config <token> [port]"

// runTunnelConfig records the CSRF token (and optionally the remote port) of
// a server reached through a tunnel.
func (a *App) runTunnelConfig(args []string) error {
	var common commonFlags
	fs := a.newFlagSet("tunnel-config")
	common.register(fs)
	if err := parseFlags(fs, args); err != nil {
		if helpRequested(err) {
			return nil
		}
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return apperr.Configuration("tunnel-config", "", tunnelUsage, nil)
	}
	token := fs.Arg(0)
	port := 0
	if fs.NArg() == 2 {
		n, errParse := strconv.Atoi(fs.Arg(1))
		if errParse != nil || n <= 0 || n > 65535 {
			return apperr.Configuration("tunnel-config", "", fmt.Sprintf("invalid port %q\n%s", fs.Arg(1), tunnelUsage), errParse)
		}
		port = n
	}

	// The file is being written, so tunnel mode must not require its token yet.
	common.mode = config.ModeDiscover
	cfg, err := a.loadConfig(common)
	if err != nil {
		return err
	}
	tf, err := config.UpdateTunnelFile(cfg.Tunnel.ConfigFile, token, port)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(a.Stdout, "Configuración actualizada:")
	_, _ = fmt.Fprintf(a.Stdout, "  Token: %s\n", tf.CSRFToken)
	if tf.WindowsLSPort > 0 {
		_, _ = fmt.Fprintf(a.Stdout, "  Port: %d\n", tf.WindowsLSPort)
	}
	return nil
}

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
)

// TunnelFile mirrors tunnel_config.json. Port is the local end of the
// forwarded connection; WindowsLSPort records the remote server port.
type TunnelFile struct {
	Port          int    `json:"port"`
	CSRFToken     string `json:"csrf_token"`
	WindowsLSPort int    `json:"windows_ls_port"`
}

// DefaultTunnelFile returns the contents written when no tunnel file exists.
func DefaultTunnelFile() TunnelFile {
	return TunnelFile{Port: defaultTunnelPort}
}

// LoadTunnelFile reads path. A missing file yields the defaults.
func LoadTunnelFile(path string) (TunnelFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultTunnelFile(), nil
		}
		return TunnelFile{}, apperr.Configuration("tunnel config", path, "read failed", err)
	}
	tf := DefaultTunnelFile()
	if len(bytes.TrimSpace(raw)) == 0 {
		return tf, nil
	}
	if errUnmarshal := json.Unmarshal(raw, &tf); errUnmarshal != nil {
		return TunnelFile{}, apperr.Configuration("tunnel config", path, "parse failed", errUnmarshal)
	}
	if tf.Port == 0 {
		tf.Port = defaultTunnelPort
	}
	return tf, nil
}

// UpdateTunnelFile sets the CSRF token and, when port is positive, the remote
// server port. Unknown keys in an existing file are preserved; an unreadable
// or malformed file is replaced by the defaults.
func UpdateTunnelFile(path, token string, port int) (TunnelFile, error) {
	raw, errRead := os.ReadFile(path)
	if errRead != nil || !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		defaults, errMarshal := json.Marshal(DefaultTunnelFile())
		if errMarshal != nil {
			return TunnelFile{}, fmt.Errorf("tunnel config: marshal defaults failed: %w", errMarshal)
		}
		raw = defaults
	}

	var err error
	if token != "" {
		if raw, err = sjson.SetBytes(raw, "csrf_token", token); err != nil {
			return TunnelFile{}, fmt.Errorf("tunnel config: set token failed: %w", err)
		}
	}
	if port > 0 {
		if raw, err = sjson.SetBytes(raw, "windows_ls_port", port); err != nil {
			return TunnelFile{}, fmt.Errorf("tunnel config: set port failed: %w", err)
		}
	}

	var indented bytes.Buffer
	if errIndent := json.Indent(&indented, raw, "", "  "); errIndent != nil {
		return TunnelFile{}, fmt.Errorf("tunnel config: format failed: %w", errIndent)
	}
	indented.WriteByte('\n')

	if errWrite := writeFileAtomic(path, indented.Bytes()); errWrite != nil {
		return TunnelFile{}, errWrite
	}
	return LoadTunnelFile(path)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return apperr.Configuration("tunnel config", path, "create dir failed", err)
	}
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return apperr.Configuration("tunnel config", tmpFile, "write tmp failed", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		_ = os.Remove(tmpFile)
		return apperr.Configuration("tunnel config", path, "rename failed", err)
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUpdateTunnelFile_CreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "tunnel_config.json")
	tf, err := UpdateTunnelFile(path, "tok", 0)
	if err != nil {
		t.Fatalf("UpdateTunnelFile failed: %v", err)
	}
	if tf.Port != 50001 || tf.CSRFToken != "tok" || tf.WindowsLSPort != 0 {
		t.Errorf("unexpected tunnel file: %+v", tf)
	}
}

func TestUpdateTunnelFile_PreservesUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel_config.json")
	body := `{"port": 50002, "csrf_token": "old", "windows_ls_port": 1, "note": "keep"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	tf, err := UpdateTunnelFile(path, "new", 61234)
	if err != nil {
		t.Fatalf("UpdateTunnelFile failed: %v", err)
	}
	if tf.Port != 50002 || tf.CSRFToken != "new" || tf.WindowsLSPort != 61234 {
		t.Errorf("unexpected tunnel file: %+v", tf)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"note": "keep"`) {
		t.Errorf("unknown key dropped: %s", raw)
	}
}

func TestUpdateTunnelFile_ReplacesMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel_config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	tf, err := UpdateTunnelFile(path, "tok", 7)
	if err != nil {
		t.Fatalf("UpdateTunnelFile failed: %v", err)
	}
	if tf.Port != 50001 || tf.WindowsLSPort != 7 {
		t.Errorf("unexpected tunnel file: %+v", tf)
	}
}

func TestLoadTunnelFile_Missing(t *testing.T) {
	tf, err := LoadTunnelFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadTunnelFile failed: %v", err)
	}
	if tf != DefaultTunnelFile() {
		t.Errorf("got %+v, want defaults", tf)
	}
}

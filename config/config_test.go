package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadConfigOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("serverPort: 9090\nsendWindow: 4096\nrtTimeout: 500\ndebug: true\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig failed: %v", err)
	}

	if cfg.ServerPort != 9090 {
		t.Errorf("ServerPort = %d, want 9090", cfg.ServerPort)
	}
	if cfg.SendWindow != 4096 {
		t.Errorf("SendWindow = %d, want 4096", cfg.SendWindow)
	}
	if cfg.RtTimeout != 500 {
		t.Errorf("RtTimeout = %d, want 500", cfg.RtTimeout)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}

	// fields absent from the file keep their defaults
	def := DefaultConfig()
	if cfg.ServerIP != def.ServerIP {
		t.Errorf("ServerIP = %s, want default %s", cfg.ServerIP, def.ServerIP)
	}
	if cfg.RecvWindow != def.RecvWindow {
		t.Errorf("RecvWindow = %d, want default %d", cfg.RecvWindow, def.RecvWindow)
	}
	if cfg.PreferredMSS != def.PreferredMSS {
		t.Errorf("PreferredMSS = %d, want default %d", cfg.PreferredMSS, def.PreferredMSS)
	}
}

func TestReadConfigRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("sendWindow: -1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadConfig(path); err == nil {
		t.Fatal("ReadConfig accepted a negative send window")
	}
}

func TestReadConfigMissingFile(t *testing.T) {
	if _, err := ReadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("ReadConfig succeeded on a missing file")
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config fails validation: %v", err)
	}
}

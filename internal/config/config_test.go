package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDefaults_Validates(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Defaults() produced an invalid config: %v", err)
	}
}

func TestValidate_RejectsPublicBindHost(t *testing.T) {
	cfg := Defaults()
	cfg.Network.TCP.Host = "8.8.8.8"
	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected validation error for a public bind host")
	}
	if !contains(err.Error(), "RFC-1918") || !contains(err.Error(), "8.8.8.8") {
		t.Errorf("error %q does not name the violating address and RFC-1918", err.Error())
	}
}

func TestValidate_RejectsLinkLocalCIDR(t *testing.T) {
	cfg := Defaults()
	cfg.Security.AllowedCIDRs = []string{"169.254.0.0/16"}
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for a link-local allowed_cidrs entry")
	}
}

func TestValidate_RejectsBadPortSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PortSettings)
	}{
		{"bad data bits", func(p *PortSettings) { p.DataBits = 9 }},
		{"bad stop bits", func(p *PortSettings) { p.StopBits = 3 }},
		{"bad parity", func(p *PortSettings) { p.Parity = "reverse" }},
		{"bad flow control", func(p *PortSettings) { p.FlowControl = "quantum" }},
		{"bad type", func(p *PortSettings) { p.Type = "carrier-pigeon" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg.Ports.Default)
			if err := Validate(&cfg); err == nil {
				t.Errorf("expected validation error, got none")
			}
		})
	}
}

func TestValidate_RS485EnabledMustMatchType(t *testing.T) {
	cfg := Defaults()
	cfg.Ports.Default.Type = "rs485"
	cfg.Ports.Default.RS485 = RS485Settings{Enabled: false}
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error: type=rs485 but rs485.enabled=false")
	}

	cfg = Defaults()
	cfg.Ports.Default.RS485 = RS485Settings{Enabled: true, TurnaroundDelayUS: 1000}
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error: rs485.enabled=true but type!=rs485")
	}
}

func TestValidate_RS485Ranges(t *testing.T) {
	cfg := Defaults()
	cfg.Ports.Default.Type = "rs485"
	cfg.Ports.Default.RS485 = RS485Settings{Enabled: true, TurnaroundDelayUS: 0}
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for zero turnaround delay")
	}

	cfg.Ports.Default.RS485 = RS485Settings{Enabled: true, TurnaroundDelayUS: 1000, MultidropAddress: 300}
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for out-of-range multidrop address")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := Defaults()
	cfg.NodeID = "test-node"
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.NodeID != "test-node" {
		t.Errorf("NodeID = %q, want test-node", loaded.NodeID)
	}
}

func TestLoad_InvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("schema_version: \"1\"\nnetwork:\n  tcp:\n    host: \"8.8.8.8\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to fail validation for a public bind host")
	}
}

func TestApplyReloadable_LeavesDestructiveFieldsUntouched(t *testing.T) {
	cur := Defaults()
	cur.Network.TCP.Host = "192.168.1.5"
	cur.Storage.DBPath = "/var/lib/cyreal/patterns.db"

	next := Defaults()
	next.Network.TCP.Host = "10.0.0.9"
	next.Storage.DBPath = "/tmp/other.db"
	next.Security.TokenExpiryMinutes = 15

	ApplyReloadable(&cur, &next)

	if cur.Network.TCP.Host != "192.168.1.5" {
		t.Errorf("bind address changed across a reload: got %q", cur.Network.TCP.Host)
	}
	if cur.Storage.DBPath != "/var/lib/cyreal/patterns.db" {
		t.Errorf("storage path changed across a reload: got %q", cur.Storage.DBPath)
	}
	if cur.Security.TokenExpiryMinutes != 15 {
		t.Errorf("token expiry did not apply from reload: got %d", cur.Security.TokenExpiryMinutes)
	}
}

func TestPortSettings_LineSettings(t *testing.T) {
	ps := PortSettings{
		Type: "rs485", BaudRate: 9600, DataBits: 8, StopBits: 1,
		Parity: "none", FlowControl: "none",
		RS485: RS485Settings{Enabled: true, RTSPin: 17, TurnaroundDelayUS: 1000, MultidropAddress: 5},
	}
	ls := ps.LineSettings()
	if err := ls.Validate(); err != nil {
		t.Fatalf("converted LineSettings failed its own invariant check: %v", err)
	}
	if ls.RS485 == nil || ls.RS485.MultidropAddress != 5 {
		t.Fatalf("RS485 profile not carried over correctly: %+v", ls.RS485)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

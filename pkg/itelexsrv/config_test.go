package itelexsrv

import (
	"testing"
	"time"
)

func TestUnmarshalEnvDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil); err != nil {
		t.Fatal(err)
	}
	if c.ClientTimeout != 30*time.Second {
		t.Errorf("ClientTimeout = %v, want 30s", c.ClientTimeout)
	}
	if c.ServerPort != 11811 {
		t.Errorf("ServerPort = %d, want 11811", c.ServerPort)
	}
	if c.AdminAddr != ":8081" {
		t.Errorf("AdminAddr = %q, want :8081", c.AdminAddr)
	}
	if c.FullQueryInterval != time.Hour {
		t.Errorf("FullQueryInterval = %v, want 1h", c.FullQueryInterval)
	}
}

func TestUnmarshalEnvOverrides(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv(map[string]string{
		"SERVER_PIN":     "48879",
		"SERVER_PORT":    "11812",
		"SERVERS":        "a.example.com,b.example.com:11812",
		"CLIENT_TIMEOUT": "45",
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.ServerPIN != 48879 {
		t.Errorf("ServerPIN = %d, want 48879", c.ServerPIN)
	}
	if c.ServerPort != 11812 {
		t.Errorf("ServerPort = %d, want 11812", c.ServerPort)
	}
	if len(c.Servers) != 2 || c.Servers[1] != "b.example.com:11812" {
		t.Errorf("Servers = %v", c.Servers)
	}
	if c.ClientTimeout != 45*time.Second {
		t.Errorf("ClientTimeout = %v, want 45s", c.ClientTimeout)
	}
}

func TestUnmarshalEnvEmptyOverridesSettableField(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(map[string]string{"ADMIN_ADDR": ""}); err != nil {
		t.Fatal(err)
	}
	if c.AdminAddr != "" {
		t.Errorf("AdminAddr = %q, want empty (explicitly unsettable field)", c.AdminAddr)
	}
}

func TestUnmarshalEnvUnknownKeyErrors(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(map[string]string{"NOT_A_REAL_VAR": "x"}); err == nil {
		t.Fatal("expected an error for an unknown key")
	}
}

func TestParseITelexDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30", 30 * time.Second},
		{"1.5s", 1500 * time.Millisecond},
		{"2.m", 2 * time.Minute},
		{"1.h", time.Hour},
		{"1.d", 24 * time.Hour},
		{"2.w", 14 * 24 * time.Hour},
	}
	for _, c := range cases {
		got, err := ParseITelexDuration(c.in)
		if err != nil {
			t.Errorf("ParseITelexDuration(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseITelexDuration(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseITelexDurationRejectsGarbage(t *testing.T) {
	if _, err := ParseITelexDuration("not-a-duration"); err == nil {
		t.Fatal("expected an error")
	}
}

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}

const hostSettings = `
turns: 10
islands: 4
islands_sync: true
log_level: debug
network:
  is_coordinator: true
  hosts_num: 3
  coordinator_ip: 10.0.0.1
  coordinator_rep_port: 5550
  coordinator_pub_port: 5551
  host_ip: 10.0.0.1
  pub_port: 5551
  metrics_port: 9100
  global_sync:
    sync: false
    server_ip: ""
    server_rep_port: 0
    server_pub_port: 0
  map:
    chunk_len: 64
`

func TestLoadHostSettings(t *testing.T) {
	path := writeSettings(t, hostSettings)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if s.Turns != 10 || s.Islands != 4 || !s.IslandsSync {
		t.Errorf("core settings = turns %d islands %d sync %v", s.Turns, s.Islands, s.IslandsSync)
	}
	n := s.Network
	if !n.IsCoordinator || n.HostsNum != 3 {
		t.Errorf("coordinator settings = %v %d", n.IsCoordinator, n.HostsNum)
	}
	if n.HostIP != "10.0.0.1" || n.PubPort != 5551 || n.MetricsPort != 9100 {
		t.Errorf("host endpoint = %s:%d metrics %d", n.HostIP, n.PubPort, n.MetricsPort)
	}
	if n.GlobalSync.Sync {
		t.Error("global sync should be disabled")
	}
	if n.Map.ChunkLen != 64 {
		t.Errorf("chunk_len = %d, want 64", n.Map.ChunkLen)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() accepted a missing file")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no islands":   "turns: 5\nislands: 0\nnetwork:\n  host_ip: 1.2.3.4\n  pub_port: 5\n  is_coordinator: true\n  hosts_num: 1\n",
		"no host ip":   "turns: 5\nislands: 1\nnetwork:\n  pub_port: 5\n  is_coordinator: true\n  hosts_num: 1\n",
		"no turns":     "islands: 1\nnetwork:\n  host_ip: 1.2.3.4\n  pub_port: 5\n  is_coordinator: true\n  hosts_num: 1\n",
		"no coord ip":  "turns: 5\nislands: 1\nnetwork:\n  host_ip: 1.2.3.4\n  pub_port: 5\n  hosts_num: 2\n",
		"bad yaml":     "turns: [not a number\n",
		"no sync addr": "islands: 1\nnetwork:\n  host_ip: 1.2.3.4\n  pub_port: 5\n  global_sync:\n    sync: true\n",
	}
	for name, content := range cases {
		if _, err := Load(writeSettings(t, content)); err == nil {
			t.Errorf("Load() accepted settings with %s", name)
		}
	}
}

func TestGlobalSyncSkipsLocalLoopChecks(t *testing.T) {
	// turns and hosts_num are local-loop concerns; the server drives
	// the clock when sync is enabled.
	content := `
islands: 2
network:
  host_ip: 10.0.0.5
  pub_port: 5555
  global_sync:
    sync: true
    server_ip: 10.0.0.9
    server_rep_port: 6000
    server_pub_port: 6001
`
	if _, err := Load(writeSettings(t, content)); err != nil {
		t.Errorf("Load(): %v", err)
	}
}

func TestLoadServerSettings(t *testing.T) {
	content := `
hosts: 2
turns: 100
ip: 10.0.0.9
rep_port: 6000
pub_port: 6001
metrics_port: 9101
`
	s, err := LoadServer(writeSettings(t, content))
	if err != nil {
		t.Fatalf("LoadServer(): %v", err)
	}
	if s.Hosts != 2 || s.Turns != 100 || s.IP != "10.0.0.9" {
		t.Errorf("server settings = %+v", s)
	}

	if _, err := LoadServer(writeSettings(t, "hosts: 0\nturns: 1\nip: x\nrep_port: 1\npub_port: 2\n")); err == nil {
		t.Error("LoadServer() accepted zero hosts")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"", slog.LevelInfo, true},
		{"info", slog.LevelInfo, true},
		{"TRACE", LevelTrace, true},
		{"debug", slog.LevelDebug, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}
	for _, tc := range cases {
		got, err := ParseLogLevel(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("ParseLogLevel(%q) error = %v, want ok=%v", tc.in, err, tc.ok)
		}
		if got != tc.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseArgs(t *testing.T) {
	orig := os.Args
	t.Cleanup(func() { os.Args = orig })

	os.Args = []string{"host", "settings.yaml"}
	args, err := ParseArgs(2)
	if err != nil {
		t.Fatalf("ParseArgs(2): %v", err)
	}
	if args[1] != "settings.yaml" {
		t.Errorf("args[1] = %q, want settings.yaml", args[1])
	}

	if _, err := ParseArgs(3); err == nil {
		t.Error("ParseArgs(3) accepted two arguments")
	}
}

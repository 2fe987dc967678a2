package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/simtree/simtree/pkg/transports/ssh"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Transport != TransportWebSocket {
		t.Errorf("transport = %s", cfg.Transport)
	}
	if cfg.SSH.Command != ssh.DefaultServerCommand {
		t.Errorf("ssh command = %q", cfg.SSH.Command)
	}
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse("simtree.yaml", []byte(`
transport: ssh
request_timeout: 5s
ssh:
  host: solver.example.com
  user: cfd
  auth: password
  password: secret
  keep_alive: 15s
schema:
  paths: [schemas/, extra.cue]
  root: solver
  watch: true
journal:
  enabled: true
  path: /tmp/journal.db
  retention: 720h
policy:
  paths: [policies/]
  protected: [/mesh]
telemetry:
  logging:
    level: debug
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Transport != TransportSSH || cfg.RequestTimeout != 5*time.Second {
		t.Errorf("transport = %s, timeout = %v", cfg.Transport, cfg.RequestTimeout)
	}
	if cfg.SSH.Port != 22 || cfg.SSH.KeepAlive != 15*time.Second {
		t.Errorf("ssh = %+v", cfg.SSH)
	}
	if strings.Join(cfg.Schema.Paths, ",") != "schemas/,extra.cue" || cfg.Schema.Root != "solver" || !cfg.Schema.Watch {
		t.Errorf("schema = %+v", cfg.Schema)
	}
	if cfg.Journal.Retention != 720*time.Hour {
		t.Errorf("retention = %v", cfg.Journal.Retention)
	}
	if len(cfg.Policy.Protected) != 1 || cfg.Policy.Protected[0] != "/mesh" {
		t.Errorf("protected = %v", cfg.Policy.Protected)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("logging = %+v", cfg.Telemetry.Logging)
	}

	tc := cfg.SSHTransport()
	if tc.Host != "solver.example.com" || tc.Auth.Method != ssh.AuthPassword || tc.KeepAlive != 15*time.Second {
		t.Errorf("ssh transport = %+v", tc)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("ssh transport invalid: %v", err)
	}
}

func TestSSHTransportJump(t *testing.T) {
	cfg := Default()
	cfg.SSH.Host = "solver.example.com"
	cfg.SSH.User = "cfd"
	if tc := cfg.SSHTransport(); tc.Jump != nil {
		t.Errorf("jump = %+v, want none", tc.Jump)
	}

	cfg.SSH.ProxyHost = "bastion.example.com"
	cfg.SSH.ProxyUser = "gate"
	tc := cfg.SSHTransport()
	if tc.Jump == nil {
		t.Fatal("expected a jump host")
	}
	if tc.Jump.Address() != "bastion.example.com:22" || tc.Jump.User != "gate" || tc.Jump.Auth.Method != ssh.AuthKey {
		t.Errorf("jump = %+v", tc.Jump)
	}
}

func TestParseCUE(t *testing.T) {
	cfg, err := Parse("simtree.cue", []byte(`
transport: "websocket"
endpoint:  "ws://solver-host:7400/simtree"
#dir: "schemas"
schema: {
	paths: [#dir + "/solver.yaml", #dir + "/post.cue"]
	root:  "solver"
}
request_timeout: "2m"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Endpoint != "ws://solver-host:7400/simtree" {
		t.Errorf("endpoint = %q", cfg.Endpoint)
	}
	if cfg.RequestTimeout != 2*time.Minute {
		t.Errorf("timeout = %v", cfg.RequestTimeout)
	}
	if strings.Join(cfg.Schema.Paths, ",") != "schemas/solver.yaml,schemas/post.cue" {
		t.Errorf("paths = %v", cfg.Schema.Paths)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name, file, src, want string
	}{
		{"unknown field", "c.yaml", "transprt: ssh\n", "field transprt not found"},
		{"bad transport", "c.yaml", "transport: carrier-pigeon\n", "Transport"},
		{"ssh without host", "c.yaml", "transport: ssh\nssh: {user: cfd}\n", "Host"},
		{"password auth without password", "c.yaml", "transport: ssh\nssh: {host: h, user: u, auth: password}\n", "Password"},
		{"memory without schema", "c.yaml", "transport: memory\nschema: {paths: []}\n", "Paths"},
		{"journal without path", "c.yaml", "journal: {enabled: true, path: \"\"}\n", "Path"},
		{"relative protected path", "c.yaml", "policy: {protected: [mesh]}\n", "Protected"},
		{"proxy without user", "c.yaml", "ssh: {proxy_host: jump.example.com}\n", "ProxyUser"},
		{"bad log level", "c.yaml", "telemetry: {logging: {level: loud}}\n", "log level"},
		{"incomplete cue", "c.cue", "transport: string\n", "not concrete"},
		{"bad cue", "c.cue", "transport: \n", "failed to compile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.file, []byte(tt.src))
			if err == nil {
				t.Fatalf("Parse() expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadAppliesEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "simtree.yaml")
	if err := os.WriteFile(file, []byte("endpoint: ws://from-file:1/x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv(EnvEndpoint, "ws://from-env:2/y")
	t.Setenv(EnvLogLevel, "WARN")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Endpoint != "ws://from-env:2/y" {
		t.Errorf("endpoint = %q", cfg.Endpoint)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("level = %q", cfg.Telemetry.Logging.Level)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv(EnvEndpoint, "")
	t.Setenv(EnvLogLevel, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Endpoint != Default().Endpoint {
		t.Errorf("endpoint = %q", cfg.Endpoint)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := map[string]string{
		"~":            home,
		"~/journal.db": filepath.Join(home, "journal.db"),
		"/abs/path":    "/abs/path",
		"rel/~x":       "rel/~x",
	}
	for in, want := range tests {
		if got := expandHome(in); got != want {
			t.Errorf("expandHome(%q) = %q, want %q", in, got, want)
		}
	}
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/simtree/simtree/pkg/telemetry"
	"github.com/simtree/simtree/pkg/transports/ssh"
)

// Environment variables read by ApplyEnv.
const (
	EnvEndpoint = "SIMTREE_ENDPOINT"
	EnvLogLevel = "LOG_LEVEL"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(transportRules, Config{})
	return v
}

// transportRules checks the fields the selected transport needs.
func transportRules(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	switch c.Transport {
	case TransportSSH:
		if c.SSH.Host == "" {
			sl.ReportError(c.SSH.Host, "SSH.Host", "Host", "required_for_ssh", "")
		}
		if c.SSH.User == "" {
			sl.ReportError(c.SSH.User, "SSH.User", "User", "required_for_ssh", "")
		}
		if c.SSH.Auth == "password" && c.SSH.Password == "" {
			sl.ReportError(c.SSH.Password, "SSH.Password", "Password", "required_for_password_auth", "")
		}
	case TransportMemory:
		if len(c.Schema.Paths) == 0 {
			sl.ReportError(c.Schema.Paths, "Schema.Paths", "Paths", "required_for_memory", "")
		}
	}
}

// Default returns the configuration used for anything a file leaves unset.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Transport:      TransportWebSocket,
		Endpoint:       "ws://localhost:7400/simtree",
		RequestTimeout: 30 * time.Second,
		SSH: SSHConfig{
			Port:       22,
			Auth:       "key",
			KnownHosts: filepath.Join(home, ".ssh", "known_hosts"),
			Command:    ssh.DefaultServerCommand,
			Timeout:    30 * time.Second,
			ProxyPort:  22,
		},
		Schema: SchemaConfig{
			Paths: []string{"schemas"},
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(home, ".simtree", "journal.db"),
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Serve: ServeConfig{
			Listen: "localhost:7400",
			Path:   "/simtree",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the file at path over Default, applies the environment and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(path, data); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data over Default without reading the environment. name
// selects the format by extension.
func Parse(name string, data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(name, data); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(name string, data []byte) error {
	if strings.HasSuffix(name, ".cue") {
		js, err := cueToJSON(name, data)
		if err != nil {
			return err
		}
		data = js
	}
	// JSON is YAML, so CUE output decodes with the same tags.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// cueToJSON evaluates a CUE config file and exports it as JSON. The file
// must be concrete.
func cueToJSON(name string, data []byte) ([]byte, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%s is not concrete: %w", name, err)
	}
	js, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", name, err)
	}
	return js, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvEndpoint); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
}

func (c *Config) expandPaths() {
	c.Journal.Path = expandHome(c.Journal.Path)
	c.SSH.PrivateKey = expandHome(c.SSH.PrivateKey)
	c.SSH.KnownHosts = expandHome(c.SSH.KnownHosts)
	for i, p := range c.Schema.Paths {
		c.Schema.Paths[i] = expandHome(p)
	}
	for i, p := range c.Policy.Paths {
		c.Policy.Paths[i] = expandHome(p)
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Validate checks struct tags, transport requirements and the telemetry
// section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// SSHTransport returns the SSH transport configuration. The jump host, if
// any, logs in with the same credentials as the target.
func (c *Config) SSHTransport() *ssh.Config {
	s := c.SSH
	creds := ssh.Credentials{
		Method:     ssh.AuthMethod(s.Auth),
		Password:   s.Password,
		KeyFile:    s.PrivateKey,
		Passphrase: s.Passphrase,
	}

	out := ssh.NewConfig(s.Host, s.User)
	out.Port = s.Port
	out.Auth = creds
	out.KnownHosts = s.KnownHosts
	out.Insecure = s.Insecure
	out.Command = s.Command
	out.Timeout = s.Timeout
	out.KeepAlive = s.KeepAlive
	if s.ProxyHost != "" {
		out.Jump = &ssh.Endpoint{Host: s.ProxyHost, Port: s.ProxyPort, User: s.ProxyUser, Auth: creds}
	}
	return out
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

package config

import (
	"time"

	"github.com/simtree/simtree/pkg/telemetry"
)

// Transport names how the client reaches the authority.
type Transport string

const (
	// TransportWebSocket dials Endpoint as a WebSocket URL.
	TransportWebSocket Transport = "websocket"

	// TransportSSH logs in over SSH and runs the server command there.
	TransportSSH Transport = "ssh"

	// TransportMemory serves the schema from an in-process authority.
	TransportMemory Transport = "memory"
)

// Config is the complete client configuration.
type Config struct {
	// Transport selects how the authority is reached.
	Transport Transport `yaml:"transport" json:"transport" validate:"required,oneof=websocket ssh memory"`

	// Endpoint is the WebSocket URL of the authority.
	Endpoint string `yaml:"endpoint" json:"endpoint" validate:"required_if=Transport websocket,omitempty,url"`

	// RequestTimeout bounds every remote call. Zero means no bound.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"gte=0"`

	SSH       SSHConfig        `yaml:"ssh" json:"ssh"`
	Schema    SchemaConfig     `yaml:"schema" json:"schema"`
	Journal   JournalConfig    `yaml:"journal" json:"journal"`
	Policy    PolicyConfig     `yaml:"policy" json:"policy"`
	Serve     ServeConfig      `yaml:"serve" json:"serve"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry" validate:"-"`
}

// SSHConfig configures the SSH transport.
type SSHConfig struct {
	Host string `yaml:"host" json:"host" validate:"omitempty,hostname|ip"`
	Port int    `yaml:"port" json:"port" validate:"gte=1,lte=65535"`
	User string `yaml:"user" json:"user"`

	// Auth is password, key or agent.
	Auth       string `yaml:"auth" json:"auth" validate:"oneof=password key agent"`
	Password   string `yaml:"password" json:"password"`
	PrivateKey string `yaml:"private_key" json:"private_key"`
	Passphrase string `yaml:"passphrase" json:"passphrase"`

	// KnownHosts is checked unless Insecure is set.
	KnownHosts string `yaml:"known_hosts" json:"known_hosts"`
	Insecure   bool   `yaml:"insecure" json:"insecure"`

	// Command is run on the remote host to start the protocol server.
	Command string `yaml:"command" json:"command" validate:"required"`

	Timeout   time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	KeepAlive time.Duration `yaml:"keep_alive" json:"keep_alive" validate:"gte=0"`

	ProxyHost string `yaml:"proxy_host" json:"proxy_host" validate:"omitempty,hostname|ip"`
	ProxyPort int    `yaml:"proxy_port" json:"proxy_port" validate:"gte=1,lte=65535"`
	ProxyUser string `yaml:"proxy_user" json:"proxy_user" validate:"required_with=ProxyHost"`
}

// SchemaConfig says where schema documents live.
type SchemaConfig struct {
	// Paths are files or directories of .yaml, .yml and .cue documents.
	Paths []string `yaml:"paths" json:"paths" validate:"dive,required"`

	// Root overrides the root class named by the documents.
	Root string `yaml:"root" json:"root"`

	// Watch reloads the registry when a document changes.
	Watch bool `yaml:"watch" json:"watch"`
}

// JournalConfig configures the call journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path" validate:"required_if=Enabled true"`

	// Retention prunes entries older than this on open. Zero keeps all.
	Retention time.Duration `yaml:"retention" json:"retention" validate:"gte=0"`
}

// PolicyConfig configures the write guard.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Paths are .rego or .json policy files or directories.
	Paths []string `yaml:"paths" json:"paths" validate:"dive,required"`

	// Protected lists paths no call may change.
	Protected []string `yaml:"protected" json:"protected" validate:"dive,startswith=/"`

	Watch bool `yaml:"watch" json:"watch"`
}

// ServeConfig configures the development server.
type ServeConfig struct {
	// Listen is the WebSocket listen address.
	Listen string `yaml:"listen" json:"listen" validate:"required,hostname_port"`

	// Path is the HTTP path the WebSocket is served on.
	Path string `yaml:"path" json:"path" validate:"required,startswith=/"`

	// MetricsListen serves Prometheus metrics when set.
	MetricsListen string `yaml:"metrics_listen" json:"metrics_listen" validate:"omitempty,hostname_port"`
}

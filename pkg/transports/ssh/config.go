package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how an endpoint logs in.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
	// AuthAgent signs with the agent on SSH_AUTH_SOCK.
	AuthAgent AuthMethod = "agent"
)

// DefaultServerCommand starts a protocol server on stdio.
const DefaultServerCommand = "simtree serve --stdio"

// Credentials say how to log in to one host.
type Credentials struct {
	Method     AuthMethod
	Password   string
	KeyFile    string
	Passphrase string

	// AgentSocket overrides SSH_AUTH_SOCK.
	AgentSocket string
}

// Endpoint is one SSH hop.
type Endpoint struct {
	Host string
	Port int
	User string
	Auth Credentials
}

// Config describes how to reach a remote authority.
type Config struct {
	Endpoint

	// Jump is dialed first when set; the target is reached through it.
	Jump *Endpoint

	// KnownHosts verifies every hop unless Insecure is set or it is empty.
	KnownHosts string
	Insecure   bool

	Timeout time.Duration

	// Command runs on the remote host. Its stdin and stdout carry the
	// protocol.
	Command string

	// KeepAlive is the keep-alive period. Zero disables keep-alives.
	KeepAlive       time.Duration
	KeepAliveMisses int
}

// NewConfig returns key-authenticated settings for user@host with host key
// checking against ~/.ssh/known_hosts.
func NewConfig(host, user string) *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Endpoint: Endpoint{
			Host: host,
			Port: 22,
			User: user,
			Auth: Credentials{Method: AuthKey},
		},
		KnownHosts:      filepath.Join(home, ".ssh", "known_hosts"),
		Timeout:         30 * time.Second,
		Command:         DefaultServerCommand,
		KeepAliveMisses: 3,
	}
}

// Validate checks c and fills in a default key file for key
// authentication when none is given.
func (c *Config) Validate() error {
	if err := c.Endpoint.validate(); err != nil {
		return err
	}
	if c.Jump != nil {
		if err := c.Jump.validate(); err != nil {
			return fmt.Errorf("jump host: %w", err)
		}
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.Command == "" {
		return errors.New("server command is required")
	}
	return nil
}

func (e *Endpoint) validate() error {
	switch {
	case e.Host == "":
		return errors.New("host is required")
	case e.Port <= 0 || e.Port > 65535:
		return fmt.Errorf("invalid port: %d", e.Port)
	case e.User == "":
		return errors.New("user is required")
	}
	return e.Auth.validate()
}

func (cr *Credentials) validate() error {
	switch cr.Method {
	case AuthPassword:
		if cr.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthKey:
		if cr.KeyFile == "" {
			cr.KeyFile = defaultKeyFile()
		}
		if cr.KeyFile == "" {
			return errors.New("no key file given and none found in ~/.ssh")
		}
		if _, err := os.Stat(cr.KeyFile); err != nil {
			return fmt.Errorf("key file: %w", err)
		}
	case AuthAgent:
		if cr.agentSocket() == "" {
			return errors.New("agent authentication requires SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method %q", cr.Method)
	}
	return nil
}

func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (cr *Credentials) agentSocket() string {
	if cr.AgentSocket != "" {
		return cr.AgentSocket
	}
	return os.Getenv("SSH_AUTH_SOCK")
}

// methods builds the ssh auth methods for cr.
func (cr *Credentials) methods() ([]ssh.AuthMethod, error) {
	switch cr.Method {
	case AuthPassword:
		// Servers that only offer keyboard-interactive get the password for
		// every prompt.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			out := make([]string, len(questions))
			for i := range out {
				out[i] = cr.Password
			}
			return out, nil
		}
		return []ssh.AuthMethod{ssh.Password(cr.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthKey:
		pem, err := os.ReadFile(cr.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		var signer ssh.Signer
		if cr.Passphrase == "" {
			signer, err = ssh.ParsePrivateKey(pem)
		} else {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(cr.Passphrase))
		}
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", cr.KeyFile, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthAgent:
		sock := cr.agentSocket()
		if sock == "" {
			return nil, errors.New("agent authentication requires SSH_AUTH_SOCK")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("reach SSH agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method %q", cr.Method)
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.Insecure || c.KnownHosts == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// clientConfig builds the handshake settings for one hop. Every hop shares
// the host key policy and timeout.
func (c *Config) clientConfig(e *Endpoint) (*ssh.ClientConfig, error) {
	auth, err := e.Auth.methods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            e.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.Timeout,
	}, nil
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

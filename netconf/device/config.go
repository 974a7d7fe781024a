// Package device implements the Device Facade: a validated connection
// configuration, connect/close lifecycle, and the ad-hoc shell-command
// collaborator, all layered over the client package's Session Engine.
package device

import (
	"time"

	"github.com/kestrelnet/netconf/netconf/ncerrors"

	"golang.org/x/crypto/ssh"
)

// Config is an immutable, validated description of how to reach and
// authenticate to a device. Build it with NewConfigBuilder.
type Config struct {
	Host string
	Port int

	User       string
	Password   string
	PEMKeyFile string

	StrictHostKeyChecking bool
	KnownHostsPath        string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	Capabilities []string

	// SSHClient, if set, is used directly instead of dialing Host:Port.
	SSHClient *ssh.Client
}

// Builder incrementally constructs a Config, deferring validation until
// Build.
type Builder struct {
	cfg Config
}

// NewConfigBuilder creates a Builder with package defaults for port and
// timeouts.
func NewConfigBuilder() *Builder {
	return &Builder{cfg: Config{
		Port:           830,
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
	}}
}

func (b *Builder) Host(host string) *Builder {
	b.cfg.Host = host
	return b
}

func (b *Builder) Port(port int) *Builder {
	b.cfg.Port = port
	return b
}

func (b *Builder) User(user string) *Builder {
	b.cfg.User = user
	return b
}

func (b *Builder) Password(password string) *Builder {
	b.cfg.Password = password
	return b
}

func (b *Builder) PEMKeyFile(path string) *Builder {
	b.cfg.PEMKeyFile = path
	return b
}

func (b *Builder) StrictHostKeyChecking(knownHostsPath string) *Builder {
	b.cfg.StrictHostKeyChecking = true
	b.cfg.KnownHostsPath = knownHostsPath
	return b
}

func (b *Builder) ConnectTimeout(d time.Duration) *Builder {
	b.cfg.ConnectTimeout = d
	return b
}

func (b *Builder) CommandTimeout(d time.Duration) *Builder {
	b.cfg.CommandTimeout = d
	return b
}

func (b *Builder) Capabilities(caps []string) *Builder {
	b.cfg.Capabilities = caps
	return b
}

// SSHClient injects a preconfigured SSH client, bypassing Host/Port
// dialing entirely.
func (b *Builder) SSHClient(client *ssh.Client) *Builder {
	b.cfg.SSHClient = client
	return b
}

// Build validates the accumulated configuration and returns an immutable
// Config, or a CONFIGURATION error describing the first violation found.
func (b *Builder) Build() (*Config, error) {
	cfg := b.cfg

	if cfg.SSHClient == nil {
		if cfg.Host == "" {
			return nil, ncerrors.New(ncerrors.Configuration, "build", "host is required")
		}
	}
	if cfg.User == "" {
		return nil, ncerrors.New(ncerrors.Configuration, "build", "user is required")
	}
	if cfg.Password == "" && cfg.PEMKeyFile == "" {
		return nil, ncerrors.New(ncerrors.Configuration, "build", "either password or pem-key-file is required")
	}
	if cfg.Password != "" && cfg.PEMKeyFile != "" {
		return nil, ncerrors.New(ncerrors.Configuration, "build", "only one of password or pem-key-file may be set")
	}
	if cfg.StrictHostKeyChecking && cfg.KnownHostsPath == "" {
		return nil, ncerrors.New(ncerrors.Configuration, "build", "strict host key checking requires a known-hosts path")
	}

	out := cfg
	out.Capabilities = append([]string(nil), cfg.Capabilities...)
	return &out, nil
}

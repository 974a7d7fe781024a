package device

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"

	"github.com/kestrelnet/netconf/netconf/client"
	"github.com/kestrelnet/netconf/netconf/ncerrors"

	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"
)

// Device is the top-level facade: it owns the SSH connection, the attached
// "netconf" subsystem channel and Session Engine, and an independent
// shell-command collaborator.
type Device struct {
	cfg *Config

	sshClient   *ssh.Client
	ownsClient  bool
	session     client.Session
	subsystemOK bool
}

// NewDevice wraps cfg without further checks; callers obtain a validated cfg
// from Builder.Build.
func NewDevice(cfg *Config) *Device {
	return &Device{cfg: cfg}
}

// Connect opens the SSH session (applying the configured host-key policy),
// opens the "netconf" subsystem channel, and performs the hello exchange.
func (d *Device) Connect(ctx context.Context) error {
	if d.cfg.SSHClient != nil {
		d.sshClient = d.cfg.SSHClient
		d.ownsClient = false
	} else {
		sshClientConfig, err := d.buildSSHClientConfig()
		if err != nil {
			return err
		}

		conn, err := dialWithProxy(fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port))
		if err != nil {
			return ncerrors.Wrap(ncerrors.Transport, "connect", err, "failed to dial %s:%d", d.cfg.Host, d.cfg.Port)
		}

		clientConn, chans, reqs, err := ssh.NewClientConn(conn, fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port), sshClientConfig)
		if err != nil {
			_ = conn.Close()
			return ncerrors.Wrap(ncerrors.Transport, "connect", err, "ssh handshake failed")
		}

		d.sshClient = ssh.NewClient(clientConn, chans, reqs)
		d.ownsClient = true
	}

	session, err := client.NewRPCSessionFromSSHClientWithConfig(ctx, d.sshClient, &client.Config{
		ConnectTimeout: d.cfg.ConnectTimeout,
		CommandTimeout: d.cfg.CommandTimeout,
		Capabilities:   d.cfg.Capabilities,
	})
	if err != nil {
		d.closeSSHClient()
		return err
	}
	d.subsystemOK = true

	d.session = session
	return nil
}

func (d *Device) buildSSHClientConfig() (*ssh.ClientConfig, error) {
	auths := []ssh.AuthMethod{}
	if d.cfg.Password != "" {
		auths = append(auths, ssh.Password(d.cfg.Password))
	}
	if d.cfg.PEMKeyFile != "" {
		key, err := os.ReadFile(d.cfg.PEMKeyFile)
		if err != nil {
			return nil, ncerrors.Wrap(ncerrors.Configuration, "connect", err, "failed to read pem key file %q", d.cfg.PEMKeyFile)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, ncerrors.Wrap(ncerrors.Configuration, "connect", err, "failed to parse pem key file %q", d.cfg.PEMKeyFile)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}

	hostKeyCallback, err := d.buildHostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.cfg.ConnectTimeout,
	}, nil
}

func (d *Device) buildHostKeyCallback() (ssh.HostKeyCallback, error) {
	if !d.cfg.StrictHostKeyChecking {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownHostsCallback(d.cfg.KnownHostsPath)
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.Configuration, "connect", err, "failed to load known-hosts file %q", d.cfg.KnownHostsPath)
	}
	return cb, nil
}

// IsConnected returns true iff both the SSH session and the subsystem
// channel report connected.
func (d *Device) IsConnected() bool {
	return d.sshClient != nil && d.subsystemOK && d.session != nil && d.session.State() == client.StateReady
}

// Close is idempotent and always safe. It closes the Session Engine (which
// sends close-session and disconnects the subsystem channel) and then the
// underlying SSH client, if this Device opened it.
func (d *Device) Close() error {
	var sessionErr error
	if d.session != nil {
		sessionErr = d.session.Close()
		d.session = nil
	}
	d.subsystemOK = false

	d.closeSSHClient()
	return sessionErr
}

func (d *Device) closeSSHClient() {
	if d.ownsClient && d.sshClient != nil {
		_ = d.sshClient.Close()
	}
	d.sshClient = nil
}

// Session returns the attached netconf Session Engine, or nil if the
// device is not connected.
func (d *Device) Session() client.Session {
	return d.session
}

// RunShellCommand opens an ad-hoc command channel distinct from the netconf
// subsystem, runs cmd, and returns its combined output. It shares no state
// with the netconf subsystem channel.
func (d *Device) RunShellCommand(cmd string) (string, error) {
	if d.sshClient == nil {
		return "", ncerrors.New(ncerrors.NotConnected, "runShellCommand", "device is not connected")
	}

	sess, err := d.sshClient.NewSession()
	if err != nil {
		return "", ncerrors.Wrap(ncerrors.Transport, "runShellCommand", err, "failed to open command channel")
	}
	defer sess.Close()

	out, err := sess.CombinedOutput(cmd)
	if err != nil {
		return string(out), ncerrors.Wrap(ncerrors.Transport, "runShellCommand", err, "command failed")
	}
	return string(out), nil
}

// RunShellCommandStreaming opens an ad-hoc command channel and returns a
// reader over its stdout stream as it is produced; stderr is not included
// in the stream. The
// caller is responsible for draining the reader and for running cmd
// asynchronously if non-blocking behaviour is desired.
func (d *Device) RunShellCommandStreaming(cmd string) (*bufio.Reader, error) {
	if d.sshClient == nil {
		return nil, ncerrors.New(ncerrors.NotConnected, "runShellCommandStreaming", "device is not connected")
	}

	sess, err := d.sshClient.NewSession()
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.Transport, "runShellCommandStreaming", err, "failed to open command channel")
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, ncerrors.Wrap(ncerrors.Transport, "runShellCommandStreaming", err, "failed to attach stdout pipe")
	}

	if err := sess.Start(cmd); err != nil {
		_ = sess.Close()
		return nil, ncerrors.Wrap(ncerrors.Transport, "runShellCommandStreaming", err, "failed to start command")
	}

	return bufio.NewReader(stdout), nil
}

// Environment variables recognized by Connect for proxying the SSH dial.
const (
	envHTTPProxyHost  = "HTTP_PROXY_HOST"
	envHTTPProxyPort  = "HTTP_PROXY_PORT"
	envHTTPProxyUser  = "HTTP_PROXY_USER"
	envHTTPProxyPass  = "HTTP_PROXY_PASS"
	envSocksProxyHost = "SOCKS_PROXY_HOST"
	envSocksProxyPort = "SOCKS_PROXY_PORT"
	envSocksProxyUser = "SOCKS_PROXY_USER"
	envSocksProxyPass = "SOCKS_PROXY_PASS"
)

// dialWithProxy dials target directly, or through an HTTP CONNECT or SOCKS5
// proxy if the corresponding environment variables are set. SOCKS takes
// precedence if both are configured.
func dialWithProxy(target string) (net.Conn, error) {
	if host, port := os.Getenv(envSocksProxyHost), os.Getenv(envSocksProxyPort); host != "" && port != "" {
		var auth *proxy.Auth
		if user := os.Getenv(envSocksProxyUser); user != "" {
			auth = &proxy.Auth{User: user, Password: os.Getenv(envSocksProxyPass)}
		}
		dialer, err := proxy.SOCKS5("tcp", net.JoinHostPort(host, port), auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		return dialer.Dial("tcp", target)
	}

	if host, port := os.Getenv(envHTTPProxyHost), os.Getenv(envHTTPProxyPort); host != "" && port != "" {
		return dialHTTPConnectProxy(net.JoinHostPort(host, port), target, os.Getenv(envHTTPProxyUser), os.Getenv(envHTTPProxyPass))
	}

	return net.Dial("tcp", target)
}

func dialHTTPConnectProxy(proxyAddr, target, user, pass string) (net.Conn, error) {
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		return nil, err
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if user != "" {
		req += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", basicAuth(user, pass))
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		_ = conn.Close()
		return nil, err
	}

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if len(status) < 12 || status[9:12] != "200" {
		_ = conn.Close()
		return nil, fmt.Errorf("device: proxy CONNECT failed: %s", status)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return conn, nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

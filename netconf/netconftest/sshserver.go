// Package netconftest provides an in-process SSH test double for exercising
// the Session Engine and Device Facade end-to-end, without a real network
// device. It advertises the "netconf" subsystem on a loopback port chosen at
// bind time and hands each accepted subsystem channel to a caller-supplied
// handler.
package netconftest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// SSHServer accepts loopback SSH connections and dispatches "netconf"
// subsystem requests to a Handler.
type SSHServer struct {
	listener net.Listener
}

// Handler services one accepted "netconf" subsystem channel.
type Handler interface {
	Handle(ch ssh.Channel)
}

// HandlerFactory builds a Handler for a newly-authenticated connection.
type HandlerFactory func(conn *ssh.ServerConn) Handler

// NewSSHServer starts listening on 127.0.0.1:0 and accepts connections using
// cfg, dispatching each subsystem channel to a Handler built by factory.
func NewSSHServer(ctx context.Context, cfg *ssh.ServerConfig, factory HandlerFactory) (*SSHServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &SSHServer{listener: ln}
	go s.acceptConnections(ctx, cfg, factory)
	return s, nil
}

// Port returns the ephemeral TCP port the server is listening on.
func (s *SSHServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close stops accepting new connections.
func (s *SSHServer) Close() {
	_ = s.listener.Close()
}

func (s *SSHServer) acceptConnections(ctx context.Context, config *ssh.ServerConfig, factory HandlerFactory) {
	for {
		nConn, err := s.listener.Accept()
		if err != nil {
			return
		}

		go s.serveConn(ctx, nConn, config, factory)
	}
}

func (s *SSHServer) serveConn(_ context.Context, nConn net.Conn, config *ssh.ServerConfig, factory HandlerFactory) {
	svrconn, chch, reqch, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		_ = nConn.Close()
		return
	}
	go ssh.DiscardRequests(reqch)

	for newChannel := range chch {
		dataChan, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go func(in <-chan *ssh.Request) {
			for req := range in {
				_ = req.Reply(req.Type == "subsystem", nil)
			}
		}(requests)

		go func() {
			defer dataChan.Close()
			factory(svrconn).Handle(dataChan)
		}()
	}
}

// PasswordServerConfig builds an ssh.ServerConfig accepting only the given
// username/password pair, with a freshly generated host key.
func PasswordServerConfig(username, password string) (*ssh.ServerConfig, error) {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == username && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("netconftest: password rejected for %q", c.User())
		},
	}

	hostKey, err := generateHostKey()
	if err != nil {
		return nil, err
	}
	cfg.AddHostKey(hostKey)
	return cfg, nil
}

func generateHostKey() (ssh.Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return ssh.ParsePrivateKey(pem.EncodeToMemory(block))
}

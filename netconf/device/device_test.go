package device

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeviceIsNotConnectedBeforeConnect(t *testing.T) {
	cfg, err := NewConfigBuilder().Host("r1.example.net").User("admin").Password("secret").Build()
	require.NoError(t, err)

	d := NewDevice(cfg)
	assert.False(t, d.IsConnected())
	assert.Nil(t, d.Session())
}

func TestCloseIsIdempotentWhenNeverConnected(t *testing.T) {
	cfg, err := NewConfigBuilder().Host("r1.example.net").User("admin").Password("secret").Build()
	require.NoError(t, err)

	d := NewDevice(cfg)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

func TestRunShellCommandFailsWhenNotConnected(t *testing.T) {
	cfg, err := NewConfigBuilder().Host("r1.example.net").User("admin").Password("secret").Build()
	require.NoError(t, err)

	d := NewDevice(cfg)
	_, err = d.RunShellCommand("show version")
	require.Error(t, err)
}

func TestRunShellCommandStreamingFailsWhenNotConnected(t *testing.T) {
	cfg, err := NewConfigBuilder().Host("r1.example.net").User("admin").Password("secret").Build()
	require.NoError(t, err)

	d := NewDevice(cfg)
	_, err = d.RunShellCommandStreaming("show version")
	require.Error(t, err)
}

func TestDialWithProxyDialsDirectlyWithoutEnv(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
	}()

	conn, err := dialWithProxy(ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
}

// fakeHTTPProxy accepts a single CONNECT request, replies 200, and then
// leaves the connection open for the caller to use as a raw pipe.
func fakeHTTPProxy(t *testing.T) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done = make(chan struct{})

	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		reader := bufio.NewReader(conn)
		_, err = reader.ReadString('\n') // request line
		if err != nil {
			return
		}
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" || line == "\n" {
				break
			}
		}
		_, _ = conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

		buf := make([]byte, 16)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _ = conn.Read(buf)
	}()

	return ln.Addr().String(), done
}

func TestDialHTTPConnectProxySucceeds(t *testing.T) {
	proxyAddr, done := fakeHTTPProxy(t)

	conn, err := dialHTTPConnectProxy(proxyAddr, "backend.example.net:830", "", "")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	<-done
}

func TestDialHTTPConnectProxyWithAuth(t *testing.T) {
	proxyAddr, done := fakeHTTPProxy(t)

	conn, err := dialHTTPConnectProxy(proxyAddr, "backend.example.net:830", "alice", "s3cr3t")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	<-done
}

func TestBasicAuthEncodesUserAndPass(t *testing.T) {
	assert.Equal(t, "YWxpY2U6czNjcjN0", basicAuth("alice", "s3cr3t"))
}

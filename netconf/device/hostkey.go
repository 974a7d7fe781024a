package device

import (
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// knownHostsCallback builds a host-key callback backed by an OpenSSH-format
// known_hosts file, applied when strict host key checking is enabled.
func knownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	return knownhosts.New(path)
}

package ssh

import (
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"konnect/libs/go/logging"
)

// HostKeyVerifier decides whether a server's host key is trusted.
type HostKeyVerifier interface {
	Verify(hostname string, remote net.Addr, key ssh.PublicKey) error
}

// AcceptAnyHostKey trusts every host key. It does not protect against
// man-in-the-middle attacks; the fingerprint is logged so it can be checked by
// hand. Use KnownHostsVerifier where that matters.
type AcceptAnyHostKey struct {
	Logger *logging.Logger
}

func (v AcceptAnyHostKey) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if v.Logger != nil {
		v.Logger.Warn("accepting unverified host key",
			"host", hostname,
			"remote", remote.String(),
			"key_type", key.Type(),
			"fingerprint", ssh.FingerprintSHA256(key),
		)
	}
	return nil
}

// KnownHostsVerifier checks host keys against OpenSSH known_hosts files.
type KnownHostsVerifier struct {
	callback ssh.HostKeyCallback
}

func NewKnownHostsVerifier(files ...string) (*KnownHostsVerifier, error) {
	cb, err := knownhosts.New(files...)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return &KnownHostsVerifier{callback: cb}, nil
}

func (v *KnownHostsVerifier) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	return v.callback(hostname, remote, key)
}

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Dialer runs one command over one fresh connection.
type Dialer interface {
	Run(ctx context.Context, info *core.ConnectionInfo, command string, timeout time.Duration) (string, error)
}

// ExitError is a command that ran and exited non-zero. It is never retried.
type ExitError struct {
	Status int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command exited with status %d", e.Status)
	}
	return fmt.Sprintf("command exited with status %d: %s", e.Status, e.Stderr)
}

type SSHDialer struct {
	ConnectTimeout  time.Duration
	HostKeyCallback ssh.HostKeyCallback
}

// NewSSHDialer verifies host keys against knownHostsFile when given;
// otherwise any host key is accepted.
func NewSSHDialer(connectTimeout time.Duration, knownHostsFile string) (*SSHDialer, error) {
	callback := ssh.InsecureIgnoreHostKey()
	if knownHostsFile != "" {
		cb, err := knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		callback = cb
	}
	return &SSHDialer{ConnectTimeout: connectTimeout, HostKeyCallback: callback}, nil
}

func (d *SSHDialer) clientConfig(info *core.ConnectionInfo) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if info.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(info.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if info.Password != "" {
		auth = append(auth, ssh.Password(info.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}

	return &ssh.ClientConfig{
		User:            info.Username,
		Auth:            auth,
		HostKeyCallback: d.HostKeyCallback,
		Timeout:         d.ConnectTimeout,
	}, nil
}

func (d *SSHDialer) Run(ctx context.Context, info *core.ConnectionInfo, command string, timeout time.Duration) (string, error) {
	cfg, err := d.clientConfig(info)
	if err != nil {
		return "", err
	}

	port := info.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(info.Host, strconv.Itoa(port))

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return "", fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		_ = client.Close()
		return "", fmt.Errorf("command timed out after %s", timeout)
	case <-ctx.Done():
		_ = client.Close()
		return "", ctx.Err()
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &ExitError{
				Status: exitErr.ExitStatus(),
				Stderr: truncate(strings.TrimSpace(stderr.String()), 500),
			}
		}
		return stdout.String(), fmt.Errorf("ssh run: %w", err)
	}

	return stdout.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

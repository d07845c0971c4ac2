package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultUser is the login user on rented instances.
const DefaultUser = "root"

const defaultDialTimeout = 30 * time.Second

// Result is the outcome of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands on instances over SSH.
type Runner struct {
	// User defaults to DefaultUser.
	User string
	// HostKeyCallback verifies the server. Nil accepts any host key, since
	// instances are created with fresh host keys.
	HostKeyCallback ssh.HostKeyCallback
	// DialTimeout defaults to 30s.
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// KnownHosts returns a host key callback backed by OpenSSH known_hosts
// files.
func KnownHosts(files ...string) (ssh.HostKeyCallback, error) {
	cb, err := knownhosts.New(files...)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

// Run executes command on host:port, authenticating with the private key
// in keyFile. A non-zero exit status is reported in Result.ExitCode, not as
// an error. Cancelling ctx closes the connection.
func (r *Runner) Run(ctx context.Context, host string, port int, keyFile, command string) (*Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", keyFile, err)
	}

	user := r.User
	if user == "" {
		user = DefaultUser
	}
	hostKey := r.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	timeout := r.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logger.DebugContext(ctx, "running remote command", "addr", addr, "user", user)
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = client.Close()
		<-done
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run command on %s: %w", addr, err)
		}
		res.ExitCode = exitErr.ExitStatus()
	}
	logger.DebugContext(ctx, "remote command finished", "addr", addr, "exit_code", res.ExitCode)
	return res, nil
}

// Package remote implements the SSH session and its derived SFTP sub-client
// used to run commands and move file content on a remote host. A session owns
// at most one authenticated connection and at most one SFTP client, both
// lazily created and torn down together on Close. A session must never be
// used by two goroutines at the same time.
package remote

import (
	"context"
	"io"
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Session is one authenticated connection plus its derived file-transfer
// sub-client. One goroutine owns the session and runs its operations; the
// mutex exists because Close may be called from another goroutine to break
// blocking I/O during a forced stop or shutdown.
type Session struct {
	cfg Config

	mu         sync.Mutex
	sshClient  *ssh.Client
	sftpClient *sftp.Client
	connected  bool
}

// NewSession creates an unconnected session for the given profile.
// Call Connect before using it.
func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg.withDefaults()}
}

// Config returns the profile the session was created for.
func (s *Session) Config() Config {
	return s.cfg
}

func (s *Session) authMethods() ([]ssh.AuthMethod, error) {
	switch s.cfg.AuthMode {
	case AuthKeyFile:
		key, err := os.ReadFile(s.cfg.KeyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read key file %s", s.cfg.KeyFile)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse private key")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return []ssh.AuthMethod{ssh.Password(s.cfg.Password)}, nil
	}
}

// Connect establishes the SSH connection. It is bounded by the profile's
// dial timeout and honours ctx cancellation.
func (s *Session) Connect(ctx context.Context) error {
	if s.IsConnected() {
		return nil
	}

	auth, err := s.authMethods()
	if err != nil {
		return err
	}

	sshConfig := &ssh.ClientConfig{
		User:            s.cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return errors.Wrapf(err, "dial %s failed", s.cfg.Addr())
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, s.cfg.Addr(), sshConfig)
	if err != nil {
		_ = conn.Close()
		return errors.Wrapf(err, "ssh handshake with %s failed", s.cfg.Addr())
	}

	s.mu.Lock()
	s.sshClient = ssh.NewClient(c, chans, reqs)
	s.connected = true
	s.mu.Unlock()
	logger.WithField("addr", s.cfg.Addr()).Debug("SSH connection established")
	return nil
}

// sftp lazily derives the file-transfer sub-client. The lock is never held
// across the subsystem handshake, or a concurrent Close could not interrupt
// it.
func (s *Session) sftp() (*sftp.Client, error) {
	s.mu.Lock()
	client, sshClient, connected := s.sftpClient, s.sshClient, s.connected
	s.mu.Unlock()
	if !connected {
		return nil, errors.New("session is not connected")
	}
	if client != nil {
		return client, nil
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sftp subsystem")
	}

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		_ = client.Close()
		return nil, errors.New("session closed while opening sftp subsystem")
	}
	s.sftpClient = client
	s.mu.Unlock()
	return client, nil
}

// ExecuteCommand runs the command on the remote host and returns the merged
// stdout+stderr output. Execution is bounded by the profile's exec timeout
// and by ctx; on either expiring the channel is torn down.
func (s *Session) ExecuteCommand(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	sshClient, connected := s.sshClient, s.connected
	s.mu.Unlock()
	if !connected {
		return "", errors.New("session is not connected")
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return "", errors.Wrap(err, "failed to open exec channel")
	}
	defer session.Close()

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	defer cancel()

	type execResult struct {
		output []byte
		err    error
	}
	done := make(chan execResult, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- execResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		// Script exit codes surface through err; the output is still
		// meaningful and returned alongside it.
		return string(res.output), res.err
	case <-execCtx.Done():
		_ = session.Close()
		return "", errors.Wrapf(execCtx.Err(), "command timed out after %s", s.cfg.ExecTimeout)
	}
}

// OpenWrite opens a remote file for writing, creating or truncating it.
func (s *Session) OpenWrite(remotePath string) (io.WriteCloser, error) {
	client, err := s.sftp()
	if err != nil {
		return nil, err
	}
	f, err := client.Create(remotePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create remote file %s", remotePath)
	}
	return f, nil
}

// OpenRead opens a remote file for reading.
func (s *Session) OpenRead(remotePath string) (io.ReadCloser, error) {
	client, err := s.sftp()
	if err != nil {
		return nil, err
	}
	f, err := client.Open(remotePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open remote file %s", remotePath)
	}
	return f, nil
}

// Remove deletes a remote file.
func (s *Session) Remove(remotePath string) error {
	client, err := s.sftp()
	if err != nil {
		return err
	}
	if err := client.Remove(remotePath); err != nil {
		return errors.Wrapf(err, "failed to remove remote file %s", remotePath)
	}
	return nil
}

// Stat returns metadata for a remote path.
func (s *Session) Stat(remotePath string) (os.FileInfo, error) {
	client, err := s.sftp()
	if err != nil {
		return nil, err
	}
	info, err := client.Stat(remotePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat remote file %s", remotePath)
	}
	return info, nil
}

// IsConnected reports whether the session holds a live connection.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close tears down the SFTP sub-client and the SSH connection together.
// It is safe to call on a session that never connected, and from another
// goroutine while an operation is blocked on the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	sftpClient, sshClient := s.sftpClient, s.sshClient
	s.sftpClient, s.sshClient = nil, nil
	s.connected = false
	s.mu.Unlock()

	var errs []error
	if sftpClient != nil {
		if err := sftpClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if sshClient != nil {
		if err := sshClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

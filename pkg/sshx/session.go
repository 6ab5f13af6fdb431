// Package sshx wraps an SSH connection to a target node with command
// execution (optionally privilege-escalated) and SFTP upload.
package sshx

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/ghx-ops/console/pkg/models"
)

const defaultDialTimeout = 15 * time.Second

// CommandResult carries the outcome of one remote command. A non-zero exit
// code is not an error; errors are reserved for transport failures.
type CommandResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Session is one SSH control channel to a node. The SFTP channel is opened
// lazily on first upload and closed together with the session.
type Session struct {
	client       *ssh.Client
	sftpClient   *sftp.Client
	needSudo     bool
	sudoPassword string
}

// ParsePrivateKey validates and parses a PEM or OpenSSH private key.
func ParsePrivateKey(key, passphrase string) (ssh.Signer, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("private key is empty")
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(passphrase))
	}
	return ssh.ParsePrivateKey([]byte(key))
}

// Open dials the node and authenticates. The caller owns the returned
// session and must Close it.
func Open(conn models.Connection) (*Session, error) {
	var auth ssh.AuthMethod
	switch conn.Auth.Type {
	case "password":
		auth = ssh.Password(conn.Auth.Value)
	case "privateKey":
		signer, err := ParsePrivateKey(conn.Auth.Value, conn.Auth.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		auth = ssh.PublicKeys(signer)
	default:
		return nil, fmt.Errorf("unsupported auth type %q", conn.Auth.Type)
	}

	dialTimeout := defaultDialTimeout
	if conn.Timeout > 0 {
		dialTimeout = time.Duration(conn.Timeout) * time.Second
	}
	port := conn.Port
	if port == 0 {
		port = 22
	}
	cfg := &ssh.ClientConfig{
		User:            conn.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(conn.Host, fmt.Sprintf("%d", port)), cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", conn.Addr(), err)
	}

	sudoPassword := conn.SudoPassword
	if sudoPassword == "" && conn.Auth.Type == "password" {
		sudoPassword = conn.Auth.Value
	}
	return &Session{
		client:       client,
		needSudo:     conn.Username != "root",
		sudoPassword: sudoPassword,
	}, nil
}

// Close tears down the SFTP channel (if opened) and the control channel.
func (s *Session) Close() error {
	if s.sftpClient != nil {
		s.sftpClient.Close()
		s.sftpClient = nil
	}
	return s.client.Close()
}

func (s *Session) sftp() (*sftp.Client, error) {
	if s.sftpClient == nil {
		c, err := sftp.NewClient(s.client)
		if err != nil {
			return nil, fmt.Errorf("opening sftp channel: %w", err)
		}
		s.sftpClient = c
	}
	return s.sftpClient, nil
}

// wrapBash runs a command under a login shell with strict mode. Single
// quotes in the command are re-escaped so the outer quoting survives.
func wrapBash(command string) string {
	safe := strings.ReplaceAll(command, "'", `'"'"'`)
	return fmt.Sprintf("bash -lc 'set -euo pipefail; %s'", safe)
}

// sudoWrap prefixes the wrapped command with a non-interactive sudo
// invocation. With a known password sudo reads it from stdin with an empty
// prompt; without one sudo fails fast instead of hanging on a prompt.
func sudoWrap(wrapped string, havePassword bool) string {
	prefix := "sudo -n"
	if havePassword {
		prefix = "sudo -S -p ''"
	}
	return strings.Replace(wrapped, "bash -lc", prefix+" bash -lc", 1)
}

// Run executes a command and drains both output streams fully before
// reporting the exit code. requireRoot escalates when the session user is
// not root.
func (s *Session) Run(command string, timeout time.Duration, requireRoot bool) (*CommandResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening exec channel: %w", err)
	}
	defer sess.Close()

	wrapped := wrapBash(command)
	useSudo := requireRoot && s.needSudo
	if useSudo {
		wrapped = sudoWrap(wrapped, s.sudoPassword != "")
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin: %w", err)
	}

	if err := sess.Start(wrapped); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}
	if useSudo && s.sudoPassword != "" {
		io.WriteString(stdin, s.sudoPassword+"\n")
	}
	stdin.Close()

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	select {
	case err = <-done:
	case <-time.After(timeout):
		sess.Close()
		<-done
		return nil, fmt.Errorf("command timed out after %s", timeout)
	}

	result := &CommandResult{
		Command: command,
		Stdout:  strings.ToValidUTF8(stdout.String(), "�"),
		Stderr:  strings.ToValidUTF8(stderr.String(), "�"),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, fmt.Errorf("waiting for command: %w", err)
	}
	return result, nil
}

// Upload transfers a local file, creating the remote parent directory first.
func (s *Session) Upload(localPath, remotePath string, executable bool) error {
	if _, err := s.Run(fmt.Sprintf("mkdir -p %s", path.Dir(remotePath)), 60*time.Second, false); err != nil {
		return err
	}
	client, err := s.sftp()
	if err != nil {
		return err
	}
	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer local.Close()
	remote, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", remotePath, err)
	}
	if _, err := io.Copy(remote, local); err != nil {
		remote.Close()
		return fmt.Errorf("writing %s: %w", remotePath, err)
	}
	if err := remote.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", remotePath, err)
	}
	if executable {
		if _, err := s.Run(fmt.Sprintf("chmod +x %s", remotePath), 60*time.Second, s.needSudo); err != nil {
			return err
		}
	}
	return nil
}

// UploadDir recursively transfers a directory, preserving executable bits.
func (s *Session) UploadDir(localDir, remoteDir string) error {
	return filepath.Walk(localDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		remote := remoteDir
		if rel != "." {
			remote = path.Join(remoteDir, filepath.ToSlash(rel))
		}
		if info.IsDir() {
			_, err := s.Run(fmt.Sprintf("mkdir -p %s", remote), 60*time.Second, false)
			return err
		}
		return s.Upload(p, remote, info.Mode()&0111 != 0)
	})
}

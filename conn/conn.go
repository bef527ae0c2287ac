// Package conn builds and runs commands against a single remote host over
// the system ssh binary.
//
// The tool deliberately drives the installed OpenSSH client instead of an
// in-process SSH library: bandwidth aggregation depends on many
// independent TCP connections with OpenSSH's AES-GCM/CTR ciphers, and the
// user's existing ssh config, agent and known_hosts handling come for
// free.
package conn

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sshget/sshget/fs"
)

// Config holds the connection parameters for one remote host.
type Config struct {
	User     string
	Host     string
	Port     int
	KeyFile  string // optional identity file, already shell expanded
	Password string // optional; requires sshpass on PATH
	Compress bool
}

func (c *Config) String() string {
	return c.User + "@" + c.Host
}

// AuthError reports an authentication setup problem, such as a configured
// password without sshpass installed.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string {
	return e.Msg
}

// SSHArgs returns the ssh arguments up to and including user@host.
// disablePTY adds -T so binary agent channels are not corrupted by a
// pseudo-terminal.
func (c *Config) SSHArgs(disablePTY bool) []string {
	var args []string
	if disablePTY {
		args = append(args, "-T")
	}
	args = append(args,
		"-p", strconv.Itoa(c.Port),
		"-o", "Ciphers=aes128-gcm@openssh.com,aes256-gcm@openssh.com,aes128-ctr,aes256-ctr",
		"-o", "IPQoS=throughput",
		"-o", "ServerAliveInterval=60",
		"-o", "StrictHostKeyChecking=accept-new",
	)
	if c.Compress {
		args = append(args, "-C")
	}
	if c.KeyFile != "" {
		args = append(args, "-i", c.KeyFile)
	}
	return append(args, c.String())
}

// commandLine returns the program and arguments to run remoteCmd,
// wrapping with sshpass when a password is configured.
func (c *Config) commandLine(remoteCmd string, disablePTY bool) (string, []string, error) {
	prog := "ssh"
	args := append(c.SSHArgs(disablePTY), remoteCmd)
	if c.Password != "" {
		if _, err := exec.LookPath("sshpass"); err != nil {
			return "", nil, &AuthError{Msg: "password auth needs sshpass on PATH and it was not found"}
		}
		args = append([]string{"-p", c.Password, prog}, args...)
		prog = "sshpass"
	}
	return prog, args, nil
}

// CommandContext returns an unstarted exec.Cmd running remoteCmd on the
// host.
func (c *Config) CommandContext(ctx context.Context, remoteCmd string, disablePTY bool) (*exec.Cmd, error) {
	prog, args, err := c.commandLine(remoteCmd, disablePTY)
	if err != nil {
		return nil, err
	}
	return exec.CommandContext(ctx, prog, args...), nil
}

// Output runs a one-shot shell command on the remote host and returns its
// stdout. On failure the remote stderr is attached to the error.
func (c *Config) Output(ctx context.Context, remoteCmd string) ([]byte, error) {
	cmd, err := c.CommandContext(ctx, remoteCmd, false)
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	fs.Debugf(c, "running remote command: %s", remoteCmd)
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			return nil, errors.Wrapf(err, "remote command %q failed", remoteCmd)
		}
		return nil, errors.Wrapf(err, "remote command %q failed: %s", remoteCmd, detail)
	}
	return stdout.Bytes(), nil
}

// Quote returns s single-quoted for a POSIX shell. Paths passed to
// one-shot find/stat commands go through here; paths on the agent wire
// are length-prefixed binary and must not.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/cloudbro-kube-ai/opshub/pkg/model"
)

// probeSSH opens a session, authenticates and runs two read-only
// diagnostics: the kernel banner and the host uptime.
func probeSSH(ctx context.Context, info model.ConnectionInfo) Result {
	auth, err := sshAuthMethod(info)
	if err != nil {
		return Result{Error: err.Error(), ErrorCode: CodeSSHAuthFailed}
	}

	timeout := probeTimeout(info)
	cfg := &ssh.ClientConfig{
		User: info.Username,
		Auth: auth,
		// Probes verify reachability and credentials, not host identity;
		// the inventory has no known_hosts store to pin against.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	port := info.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(info.Host, fmt.Sprintf("%d", port))

	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifySSH(err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if err != nil {
		raw.Close()
		return classifySSH(err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	details := map[string]any{
		"serverInfo": string(sshConn.ServerVersion()),
	}
	if out, err := runCommand(client, "uname -a"); err == nil {
		details["kernel"] = out
	}
	if out, err := runCommand(client, "uptime"); err == nil {
		details["uptime"] = out
	}

	return Result{Success: true, Details: details}
}

func sshAuthMethod(info model.ConnectionInfo) ([]ssh.AuthMethod, error) {
	switch {
	case info.Password != "" && info.PrivateKey != "":
		return nil, fmt.Errorf("ssh credentials must be password or private key, not both")
	case info.Password != "":
		return []ssh.AuthMethod{ssh.Password(info.Password)}, nil
	case info.PrivateKey != "":
		signer, err := ssh.ParsePrivateKey([]byte(info.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parsing ssh private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("ssh probe requires a password or a private key")
	}
}

func runCommand(client *ssh.Client, cmd string) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()
	out, err := sess.Output(cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func classifySSH(err error) Result {
	msg := err.Error()
	code := CodeSSHConnFailed
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"):
		code = CodeSSHAuthFailed
	case strings.Contains(msg, "connection refused"):
		code = CodeSSHConnRefused
	case isTimeout(err):
		code = CodeSSHTimeout
	}
	return Result{Error: msg, ErrorCode: code}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "i/o timeout") ||
		strings.Contains(err.Error(), "deadline exceeded")
}

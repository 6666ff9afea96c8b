package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHLauncher copies the bundle to a remote host and runs the worker
// there. The remote binary speaks the same line protocol on the ssh
// session's stdio.
type SSHLauncher struct {
	Host                        string
	Port                        string
	User                        string
	KeyPath                     string
	Passphrase                  []byte
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	Timeout                     time.Duration
	// Executable is the csctl binary on the remote host.
	Executable string
	// RemoteDir receives uploaded bundles. Defaults to /tmp.
	RemoteDir string
}

func (SSHLauncher) Name() string { return "ssh" }

func (l SSHLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	client, err := l.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: ssh connect %s: %w", ErrLaunch, l.Host, err)
	}

	remote := l.remotePath(spec.BundlePath)
	if err := upload(client, spec.BundlePath, remote); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: upload bundle: %v", ErrLaunch, err)
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ssh session: %v", ErrLaunch, err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: stdin: %v", ErrLaunch, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: stdout: %v", ErrLaunch, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: stderr: %v", ErrLaunch, err)
	}

	if err := session.Start(l.command(spec, remote)); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: start remote worker: %v", ErrLaunch, err)
	}
	log.Debug().Str("host", l.Host).Str("bundle", remote).Msg("worker.SSHLauncher started")
	return &sshHandle{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		remote:  remote,
	}, nil
}

func (l SSHLauncher) command(spec Spec, remote string) string {
	exe := l.Executable
	if exe == "" {
		exe = "csctl"
	}
	env := EnvTitleSecret + "=" + shellEscape(spec.TitleSecret) + " CSCTL_LOG_NOCOLOR=true "
	return env + joinCommand(exe, spec.Args(remote))
}

func (l SSHLauncher) remotePath(local string) string {
	dir := l.RemoteDir
	if dir == "" {
		dir = "/tmp"
	}
	return path.Join(dir, filepath.Base(local))
}

func upload(client *ssh.Client, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	session.Stdin = f
	out, err := session.CombinedOutput("cat > " + shellEscape(remote))
	if err != nil {
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

type sshHandle struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
	remote  string
	kill    sync.Once
}

func (h *sshHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *sshHandle) Stdout() io.Reader     { return h.stdout }
func (h *sshHandle) Stderr() io.Reader     { return h.stderr }
func (h *sshHandle) Wait() error {
	err := h.session.Wait()
	var exitMissing *ssh.ExitMissingError
	if errors.As(err, &exitMissing) {
		return nil
	}
	return err
}

func (h *sshHandle) Kill() error {
	h.kill.Do(func() {
		_ = h.stdin.Close()
		_ = h.session.Signal(ssh.SIGKILL)
		_ = h.session.Close()
		if cleanup, err := h.client.NewSession(); err == nil {
			_ = cleanup.Run("rm -f " + shellEscape(h.remote))
			cleanup.Close()
		}
		_ = h.client.Close()
	})
	return nil
}

// ErrSSHConfig marks an SSH launcher that cannot work as configured.
var ErrSSHConfig = errors.New("worker: ssh launcher misconfigured")

const defaultSSHPort = "22"

// connect opens the control connection for one worker. The TCP dial and
// the handshake both honor ctx and Timeout.
func (l SSHLauncher) connect(ctx context.Context) (*ssh.Client, error) {
	addr, err := l.address()
	if err != nil {
		return nil, err
	}
	cfg, err := l.clientConfig()
	if err != nil {
		return nil, err
	}
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stopWatch() || err != nil {
		conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	}
	// The worker session is long lived; only the handshake is bounded.
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(clientConn, chans, reqs), nil
}

// address is host:port for the worker host. A port given in Host wins
// over the default but not over Port.
func (l SSHLauncher) address() (string, error) {
	host := strings.TrimSpace(l.Host)
	if host == "" {
		return "", fmt.Errorf("%w: host is required", ErrSSHConfig)
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		host = h
		if l.Port == "" {
			return net.JoinHostPort(host, p), nil
		}
	}
	port := strings.TrimSpace(l.Port)
	if port == "" {
		port = defaultSSHPort
	}
	return net.JoinHostPort(host, port), nil
}

func (l SSHLauncher) clientConfig() (*ssh.ClientConfig, error) {
	if strings.TrimSpace(l.User) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrSSHConfig)
	}
	auth, err := l.keyAuth()
	if err != nil {
		return nil, err
	}
	hostKeys, err := l.hostKeys()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            l.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeys,
		Timeout:         l.Timeout,
	}, nil
}

// keyAuth loads the private key the relay host uses to reach workers.
func (l SSHLauncher) keyAuth() (ssh.AuthMethod, error) {
	if strings.TrimSpace(l.KeyPath) == "" {
		return nil, fmt.Errorf("%w: key_path is required", ErrSSHConfig)
	}
	pem, err := os.ReadFile(l.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read key %s: %v", ErrSSHConfig, l.KeyPath, err)
	}
	var signer ssh.Signer
	if len(l.Passphrase) > 0 {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, l.Passphrase)
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	var missing *ssh.PassphraseMissingError
	switch {
	case errors.As(err, &missing):
		return nil, fmt.Errorf("%w: key %s is encrypted and no passphrase was given", ErrSSHConfig, l.KeyPath)
	case err != nil:
		return nil, fmt.Errorf("%w: parse key %s: %v", ErrSSHConfig, l.KeyPath, err)
	}
	return ssh.PublicKeys(signer), nil
}

// hostKeys verifies worker hosts against known_hosts unless checking was
// turned off explicitly.
func (l SSHLauncher) hostKeys() (ssh.HostKeyCallback, error) {
	if l.InsecureSkipHostKeyChecking {
		log.Warn().Str("host", l.Host).Msg("worker.SSHLauncher host key checking disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	p := strings.TrimSpace(l.KnownHostsPath)
	if p == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("%w: known_hosts_path unset and no home directory", ErrSSHConfig)
		}
		p = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(p)
	if err != nil {
		return nil, fmt.Errorf("%w: known hosts %s: %v", ErrSSHConfig, p, err)
	}
	return cb, nil
}

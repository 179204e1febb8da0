package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/crypto/ssh"
)

// SSHOptions configures the command transport to the replication target.
type SSHOptions struct {
	User    string
	Port    int
	KeyFile string
	Cipher  string
	Timeout time.Duration
}

// SSHRunner executes commands on one remote host over a single persistent
// SSH connection, one session per command. The connection is dialed lazily
// on first use and redialed once if a session cannot be created.
type SSHRunner struct {
	host string
	opts SSHOptions

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSH returns a runner for host. No connection is made until Run.
func NewSSH(host string, opts SSHOptions) *SSHRunner {
	if opts.User == "" {
		opts.User = "root"
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	return &SSHRunner{host: host, opts: opts}
}

func (r *SSHRunner) Label() string {
	return fmt.Sprintf("%s@%s", r.opts.User, r.host)
}

func (r *SSHRunner) Run(ctx context.Context, command string) (string, string, error) {
	log.WithFunc("remote.ssh").Debugf(ctx, "run on %s: %s", r.host, command)

	session, err := r.newSession()
	if err != nil {
		// The connection may have dropped since the last command; redial once.
		r.reset()
		if session, err = r.newSession(); err != nil {
			return "", "", fmt.Errorf("ssh session to %s: %w", r.host, err)
		}
	}
	defer session.Close() //nolint:errcheck

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// Tear the session down if the context fires mid-command.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGTERM)
			_ = session.Close()
		case <-watchDone:
		}
	}()

	err = session.Run(command)
	if ctx.Err() != nil {
		return stdout.String(), stderr.String(), ctx.Err()
	}
	return stdout.String(), stderr.String(), err
}

// Close shuts down the persistent connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *SSHRunner) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		_ = r.client.Close()
		r.client = nil
	}
}

func (r *SSHRunner) newSession() (*ssh.Session, error) {
	client, err := r.ensureClient()
	if err != nil {
		return nil, err
	}
	return client.NewSession()
}

func (r *SSHRunner) ensureClient() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	keyFile := r.opts.KeyFile
	if keyFile == "" {
		keyFile = DefaultKeyFile()
	}
	key, err := os.ReadFile(keyFile) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("read SSH key %s: %w", keyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse SSH key %s: %w", keyFile, err)
	}

	conf := &ssh.ClientConfig{
		User:            r.opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // trusted replication network
		Timeout:         r.opts.Timeout,
	}
	if r.opts.Cipher != "" {
		conf.Config.Ciphers = []string{r.opts.Cipher}
	}

	addr := net.JoinHostPort(r.host, strconv.Itoa(r.opts.Port))
	client, err := ssh.Dial("tcp", addr, conf)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	r.client = client
	return client, nil
}

// DefaultKeyFile is the key used when none is configured.
func DefaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/root"
	}
	return filepath.Join(home, ".ssh", "id_rsa")
}

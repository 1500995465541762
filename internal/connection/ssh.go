package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"pluginlookup/internal/domain"
)

// SSHOptions configures an SSHConnector
type SSHOptions struct {
	User           string
	Port           int
	KeyPath        string
	Passphrase     string
	Password       string
	KnownHostsPath string
	DialTimeout    time.Duration
}

// SSHConnector reaches providers on remote hosts. The provider's module is
// the host and its entry point is the command that serves it; the session's
// stdin and stdout carry the provider protocol.
type SSHConnector struct {
	config *ssh.ClientConfig
	port   int
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSSHConnector builds a connector from opts. Key auth is preferred when
// both a key and a password are available.
func NewSSHConnector(opts SSHOptions) (*SSHConnector, error) {
	config, err := buildSSHConfig(opts)
	if err != nil {
		return nil, err
	}

	port := opts.Port
	if port == 0 {
		port = 22
	}
	dialer := &net.Dialer{Timeout: opts.DialTimeout}

	return &SSHConnector{
		config: config,
		port:   port,
		dial:   dialer.DialContext,
	}, nil
}

func buildSSHConfig(opts SSHOptions) (*ssh.ClientConfig, error) {
	if opts.User == "" {
		return nil, errors.New("ssh user is required")
	}

	var auth []ssh.AuthMethod
	if opts.KeyPath != "" {
		signer, err := loadSigner(opts.KeyPath, opts.Passphrase)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if opts.Password != "" {
		auth = append(auth, ssh.Password(opts.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh transport needs a key path or a password")
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if opts.KnownHostsPath != "" {
		cb, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeys = cb
	}

	return &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         opts.DialTimeout,
	}, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// Connect implements Connector
func (c *SSHConnector) Connect(ctx context.Context, id domain.ProviderID) (Endpoint, error) {
	if id.EntryPoint == "" {
		return nil, errors.New("no command to run")
	}
	addr := net.JoinHostPort(id.Module, strconv.Itoa(c.port))

	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	// the handshake is not context aware
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, c.config)
	if !stop() {
		if err == nil {
			sshConn.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to establish SSH connection: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := session.Start(id.EntryPoint); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to start %q: %w", id.EntryPoint, err)
	}

	ep := &SSHEndpoint{
		addr:    addr,
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		done:    make(chan struct{}),
	}
	go ep.wait()
	return ep, nil
}

// SSHEndpoint is a provider command running in a remote SSH session
type SSHEndpoint struct {
	addr    string
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	done      chan struct{}
	closeOnce sync.Once
	exitErr   error
}

func (e *SSHEndpoint) wait() {
	e.exitErr = e.session.Wait()
	close(e.done)
}

// Addr returns the remote host and port
func (e *SSHEndpoint) Addr() string { return e.addr }

// Write sends bytes to the provider command
func (e *SSHEndpoint) Write(p []byte) (int, error) { return e.stdin.Write(p) }

// Read receives bytes from the provider command
func (e *SSHEndpoint) Read(p []byte) (int, error) { return e.stdout.Read(p) }

// Done implements Endpoint
func (e *SSHEndpoint) Done() <-chan struct{} { return e.done }

// Err returns the command's exit error once Done has closed
func (e *SSHEndpoint) Err() error {
	select {
	case <-e.done:
		return e.exitErr
	default:
		return nil
	}
}

// Close implements Endpoint
func (e *SSHEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		_ = e.session.Signal(ssh.SIGTERM)
		_ = e.stdin.Close()
		_ = e.session.Close()
		err = e.client.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

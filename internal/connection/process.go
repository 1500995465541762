package connection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"pluginlookup/internal/domain"
)

const (
	readyPath     = "/healthz"
	readyInterval = 50 * time.Millisecond
	stopGrace     = 3 * time.Second
)

// ProcessConnector starts providers as local executables. The binary for a
// provider lives at <modulesDir>/<module>/<entry> and is started with
// --socket <path>; the provider is bound once it answers GET /healthz over
// that unix socket.
type ProcessConnector struct {
	modulesDir string
	socketDir  string
	env        []string
}

// NewProcessConnector creates a connector rooted at modulesDir
func NewProcessConnector(modulesDir, socketDir string, env ...string) *ProcessConnector {
	if socketDir == "" {
		socketDir = os.TempDir()
	}
	return &ProcessConnector{modulesDir: modulesDir, socketDir: socketDir, env: env}
}

// BinaryPath returns the executable that serves id
func (c *ProcessConnector) BinaryPath(id domain.ProviderID) string {
	return filepath.Join(c.modulesDir, filepath.FromSlash(id.Module), filepath.FromSlash(id.EntryPoint))
}

// SocketPath returns the unix socket id is asked to listen on
func (c *ProcessConnector) SocketPath(id domain.ProviderID) string {
	sum := sha256.Sum256([]byte(id.Key()))
	return filepath.Join(c.socketDir, "pl-"+hex.EncodeToString(sum[:4])+".sock")
}

// Connect implements Connector
func (c *ProcessConnector) Connect(ctx context.Context, id domain.ProviderID) (Endpoint, error) {
	bin := c.BinaryPath(id)
	if _, err := os.Stat(bin); err != nil {
		return nil, fmt.Errorf("provider binary: %w", err)
	}

	socket := c.SocketPath(id)
	_ = os.Remove(socket)

	// not CommandContext: the process must outlive the connect
	cmd := exec.Command(bin, "--socket", socket)
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start provider: %w", err)
	}

	ep := &ProcessEndpoint{
		cmd:    cmd,
		socket: socket,
		done:   make(chan struct{}),
	}
	ep.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}
	go ep.wait()

	if err := ep.awaitReady(ctx); err != nil {
		ep.Close()
		return nil, err
	}
	return ep, nil
}

// ProcessEndpoint is a running provider process
type ProcessEndpoint struct {
	cmd    *exec.Cmd
	socket string
	client *http.Client

	done      chan struct{}
	exitErr   error
	closeOnce sync.Once
}

func (e *ProcessEndpoint) wait() {
	e.exitErr = e.cmd.Wait()
	close(e.done)
}

func (e *ProcessEndpoint) awaitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyInterval)
	defer ticker.Stop()

	for {
		if e.probe(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return fmt.Errorf("provider exited before becoming ready: %v", e.exitErr)
		case <-ticker.C:
		}
	}
}

func (e *ProcessEndpoint) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://provider"+readyPath, nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Client returns an HTTP client whose requests reach the provider
func (e *ProcessEndpoint) Client() *http.Client { return e.client }

// Socket returns the provider's unix socket path
func (e *ProcessEndpoint) Socket() string { return e.socket }

// PID returns the provider's process id
func (e *ProcessEndpoint) PID() int { return e.cmd.Process.Pid }

// Done implements Endpoint
func (e *ProcessEndpoint) Done() <-chan struct{} { return e.done }

// Close implements Endpoint. The process gets stopGrace to exit after an
// interrupt before it is killed.
func (e *ProcessEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if t, ok := e.client.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}

		select {
		case <-e.done:
		default:
			if sigErr := e.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
				err = sigErr
			}
			select {
			case <-e.done:
			case <-time.After(stopGrace):
				_ = e.cmd.Process.Kill()
				<-e.done
			}
		}

		if rmErr := os.Remove(e.socket); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	})
	return err
}

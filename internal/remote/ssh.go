package remote

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"fleet-patch-backend/config"
)

// Script paths must be plain absolute paths; anything that could be
// interpreted by a remote shell is rejected at startup.
var scriptPathPattern = regexp.MustCompile(`^/[A-Za-z0-9_./-]+$`)

// SSHRunner executes patch operations over SSH using public key auth.
type SSHRunner struct {
	user           string
	port           int
	signer         ssh.Signer
	hostKeys       ssh.HostKeyCallback
	scripts        map[string]string
	connectTimeout time.Duration
	maxRetries     int
}

// NewSSHRunner builds a runner from the remote configuration, loading the
// private key and validating every configured script path.
func NewSSHRunner(cfg *config.RemoteConfig) (*SSHRunner, error) {
	keyBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", cfg.PrivateKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	var hostKeys ssh.HostKeyCallback
	if cfg.KnownHostsPath != "" {
		hostKeys, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts %s: %w", cfg.KnownHostsPath, err)
		}
	} else {
		log.Println("Warning: known_hosts_path is not set; host keys will not be verified")
		hostKeys = ssh.InsecureIgnoreHostKey()
	}

	scripts := make(map[string]string, len(cfg.ScriptPaths))
	for _, op := range []string{OpPrecheck, OpPatch, OpPostcheck, OpRollback} {
		path, ok := cfg.ScriptPaths[op]
		if !ok || path == "" {
			return nil, fmt.Errorf("no script path configured for operation %q", op)
		}
		if !scriptPathPattern.MatchString(path) {
			return nil, fmt.Errorf("invalid script path %q for operation %q", path, op)
		}
		scripts[op] = path
	}

	return &SSHRunner{
		user:           cfg.User,
		port:           cfg.Port,
		signer:         signer,
		hostKeys:       hostKeys,
		scripts:        scripts,
		connectTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		maxRetries:     cfg.MaxRetryAttempts,
	}, nil
}

// Run connects to the host and executes the named operation's script.
// Connection failures are retried with exponential backoff before
// ErrConnectivity is surfaced; a session exceeding timeout surfaces
// ErrCommandTimeout. A nonzero exit status is returned in the Result, not
// as an error.
func (r *SSHRunner) Run(ctx context.Context, host, operation string, timeout time.Duration) (Result, error) {
	script, ok := r.scripts[operation]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}

	client, err := r.dial(ctx, host)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrConnectivity, host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrConnectivity, host, err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	done := make(chan error, 1)
	go func() {
		done <- session.Run(script)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		session.Close()
		return Result{Output: output.String()}, fmt.Errorf("%w: %s %s after %s", ErrCommandTimeout, operation, host, timeout)
	case <-ctx.Done():
		session.Close()
		return Result{Output: output.String()}, ctx.Err()
	}

	if err == nil {
		return Result{ExitCode: 0, Output: output.String()}, nil
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return Result{ExitCode: exitErr.ExitStatus(), Output: output.String()}, nil
	}
	// The session ended without an exit status: the connection dropped
	// mid-command.
	return Result{Output: output.String()}, fmt.Errorf("%w: %s: %v", ErrConnectivity, host, err)
}

// dial opens the SSH connection, retrying transient failures with
// exponential backoff up to the configured attempt limit.
func (r *SSHRunner) dial(ctx context.Context, host string) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: r.hostKeys,
		Timeout:         r.connectTimeout,
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", r.port))

	var client *ssh.Client
	operation := func() error {
		var err error
		client, err = ssh.Dial("tcp", addr, cfg)
		if err != nil {
			log.Printf("SSH dial to %s failed, will retry: %v", addr, err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.maxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return client, nil
}

package source

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig holds the credentials for sftp:// repositories. The user, host
// and port come from the URL.
type SSHConfig struct {
	// Password for password-based authentication
	Password string `koanf:"password" toml:"password,omitempty"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `koanf:"private_key" toml:"private_key,omitempty"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `koanf:"passphrase" toml:"passphrase,omitempty"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `koanf:"known_hosts" toml:"known_hosts,omitempty"`

	// InsecureIgnoreHostKey disables host key verification
	InsecureIgnoreHostKey bool `koanf:"insecure_ignore_host_key" toml:"insecure_ignore_host_key,omitempty"`

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration `koanf:"connection_timeout" toml:"connection_timeout,omitempty"`
}

func (c *SSHConfig) defaults() {
	home, _ := os.UserHomeDir()
	if c.KnownHostsPath == "" {
		c.KnownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	if c.PrivateKeyPath == "" && c.Password == "" {
		for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
			p := filepath.Join(home, ".ssh", name)
			if _, err := os.Stat(p); err == nil {
				c.PrivateKeyPath = p
				break
			}
		}
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
}

// clientConfig creates an ssh.ClientConfig for user.
func (c *SSHConfig) clientConfig(user string) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if c.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		authMethods = append(authMethods, ssh.Password(c.Password))
		// Many servers only offer keyboard-interactive for passwords.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no private key or password configured")
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.InsecureIgnoreHostKey {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// sftpTransport reads a repository over SFTP. One SSH connection is shared
// by all concurrent downloads and re-established after it breaks.
type sftpTransport struct {
	addr string
	user string
	dir  string
	cfg  SSHConfig

	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
}

func newSFTPTransport(u *url.URL, cfg SSHConfig) (*sftpTransport, error) {
	if u.Hostname() == "" {
		return nil, fmt.Errorf("sftp URL %q has no host", u.Redacted())
	}
	port := u.Port()
	if port == "" {
		port = "22"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid port in %q", u.Redacted())
	}
	user := u.User.Username()
	if user == "" {
		user = os.Getenv("USER")
	}
	if pw, ok := u.User.Password(); ok && cfg.Password == "" {
		cfg.Password = pw
	}
	cfg.defaults()
	return &sftpTransport{
		addr: net.JoinHostPort(u.Hostname(), port),
		user: user,
		dir:  u.Path,
		cfg:  cfg,
	}, nil
}

// connect returns the SFTP client, dialling when there is none.
func (t *sftpTransport) connect(ctx context.Context) (*sftp.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	clientConfig, err := t.cfg.clientConfig(t.user)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	d := net.Dialer{Timeout: t.cfg.ConnectionTimeout}
	raw, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, t.addr, clientConfig)
	if err != nil {
		raw.Close()
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	conn := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	t.conn, t.client = conn, client
	return client, nil
}

// reset drops a broken connection so the next Open redials.
func (t *sftpTransport) reset(broken *sftp.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != broken {
		return
	}
	t.client.Close()
	t.conn.Close()
	t.client, t.conn = nil, nil
}

func (t *sftpTransport) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	f, err := client.Open(path.Join(t.dir, path.Clean("/"+name)))
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return nil, &TransportError{Op: "open", Name: name, Err: err}
		}
		t.reset(client)
		return nil, &TransportError{Op: "open", Name: name, Err: err, IsTemporary: true}
	}
	return f, nil
}

func (t *sftpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	t.client.Close()
	err := t.conn.Close()
	t.client, t.conn = nil, nil
	return err
}

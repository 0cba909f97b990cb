package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

const (
	// DefaultPort is the BMC's SSH port.
	DefaultPort = 22

	// DefaultUser is the login of a factory Turing Pi BMC.
	DefaultUser = "root"

	// DefaultConnectTimeout bounds the TCP connect and the handshake.
	DefaultConnectTimeout = 10 * time.Second
)

// Config is how to reach and log in to one BMC.
type Config struct {
	// Addr is host:port.
	Addr string
	User string

	// Password also answers keyboard-interactive prompts. Ignored when
	// KeyFile is set.
	Password      string
	KeyFile       string
	KeyPassphrase string

	// KnownHosts, when set, verifies the host key against that file.
	// Otherwise any key is accepted: BMCs regenerate theirs on reflash.
	KnownHosts string

	ConnectTimeout time.Duration

	// Jump is an optional bastion the BMC connection is tunnelled through.
	Jump *Config
}

// ConfigFromNode builds the login for node. Endpoint params:
//
//	known_hosts      path of a known_hosts file
//	connect_timeout  Go duration, e.g. "5s"
//	proxy_host       bastion; with proxy_port, proxy_user, proxy_key_file
//
// The key passphrase is read from Credentials.Extra["key_passphrase"].
// A bastion without its own key reuses the node's password.
func ConfigFromNode(node *hardware.Node) (*Config, error) {
	invalid := func(format string, args ...interface{}) error {
		return hardware.NewInvalidNodeError(fmt.Sprintf(format, args...)).WithNode(node.ID())
	}

	port := node.Endpoint.Port
	if port == 0 {
		port = DefaultPort
	}
	c := &Config{
		Addr:           net.JoinHostPort(node.Endpoint.Address, strconv.Itoa(port)),
		User:           node.Credentials.Username,
		KeyFile:        node.Credentials.KeyFile,
		KnownHosts:     node.Endpoint.Param("known_hosts", ""),
		ConnectTimeout: DefaultConnectTimeout,
	}
	if c.User == "" {
		c.User = DefaultUser
	}
	if c.KeyFile != "" {
		c.KeyPassphrase = node.Credentials.Extra["key_passphrase"]
	} else {
		c.Password = node.Credentials.Password
	}

	if d := node.Endpoint.Param("connect_timeout", ""); d != "" {
		timeout, err := time.ParseDuration(d)
		if err != nil {
			return nil, invalid("connect_timeout: %v", err)
		}
		c.ConnectTimeout = timeout
	}

	if host := node.Endpoint.Param("proxy_host", ""); host != "" {
		jumpPort := node.Endpoint.Param("proxy_port", strconv.Itoa(DefaultPort))
		if _, err := strconv.Atoi(jumpPort); err != nil {
			return nil, invalid("proxy_port: %v", err)
		}
		c.Jump = &Config{
			Addr:           net.JoinHostPort(host, jumpPort),
			User:           node.Endpoint.Param("proxy_user", c.User),
			KeyFile:        node.Endpoint.Param("proxy_key_file", ""),
			KnownHosts:     c.KnownHosts,
			ConnectTimeout: c.ConnectTimeout,
		}
		if c.Jump.KeyFile == "" {
			c.Jump.Password = node.Credentials.Password
		}
	}

	if err := c.validate(); err != nil {
		return nil, invalid("%v", err)
	}
	return c, nil
}

func (c *Config) validate() error {
	host, port, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return fmt.Errorf("address %q: %w", c.Addr, err)
	}
	if host == "" {
		return errors.New("address has no host")
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("port %q out of range", port)
	}
	if c.User == "" {
		return errors.New("no user")
	}
	if c.Password == "" && c.KeyFile == "" {
		return fmt.Errorf("%s@%s has neither a password nor a key file", c.User, host)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout %v must be positive", c.ConnectTimeout)
	}
	if c.Jump != nil {
		if err := c.Jump.validate(); err != nil {
			return fmt.Errorf("jump host: %w", err)
		}
	}
	return nil
}

// clientConfig loads keys and known hosts into an ssh.ClientConfig.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.auth()
	if err != nil {
		return nil, err
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if c.KnownHosts != "" {
		if hostKeys, err = knownhosts.New(c.KnownHosts); err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectTimeout,
	}, nil
}

func (c *Config) auth() ([]ssh.AuthMethod, error) {
	if c.KeyFile == "" {
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		// The BMC's dropbear only offers keyboard-interactive on some firmware.
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil
	}

	pemBytes, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var signer ssh.Signer
	if c.KeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(c.KeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", c.KeyFile, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

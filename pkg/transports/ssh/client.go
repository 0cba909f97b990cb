package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

// Client is one SSH connection to a BMC.
type Client struct {
	client *ssh.Client
	jump   *ssh.Client
}

// Dial connects and authenticates, through cfg.Jump when set.
// Authentication and host key failures are permanent; network failures
// are temporary.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	c := &Client{}
	var err error
	if cfg.Jump != nil {
		if c.jump, err = connect(ctx, cfg.Jump, nil); err != nil {
			return nil, err
		}
	}
	if c.client, err = connect(ctx, cfg, c.jump); err != nil {
		if c.jump != nil {
			_ = c.jump.Close()
		}
		return nil, err
	}
	return c, nil
}

// connect dials cfg.Addr, tunnelled through via when it is not nil.
func connect(ctx context.Context, cfg *Config, via *ssh.Client) (*ssh.Client, error) {
	clientConfig, err := cfg.clientConfig()
	if err != nil {
		return nil, hardware.NewAuthError("loading ssh credentials for "+cfg.Addr, err)
	}

	var conn net.Conn
	if via != nil {
		log.Debug().Str("address", cfg.Addr).Str("via", via.RemoteAddr().String()).Msg("dialing BMC through jump host")
		conn, err = via.DialContext(ctx, "tcp", cfg.Addr)
	} else {
		log.Debug().Str("address", cfg.Addr).Msg("dialing")
		d := net.Dialer{Timeout: cfg.ConnectTimeout}
		conn, err = d.DialContext(ctx, "tcp", cfg.Addr)
	}
	if err != nil {
		return nil, dialError(ctx, "connect "+cfg.Addr, err)
	}
	return handshake(ctx, conn, cfg.Addr, clientConfig)
}

// handshake runs the SSH handshake on conn, aborting it when ctx ends.
func handshake(ctx context.Context, conn net.Conn, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()
		return nil, dialError(ctx, "handshake", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

func dialError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	switch {
	case errors.As(err, &keyErr), errors.As(err, &revoked):
		return hardware.NewAuthError(op+": host key rejected", err)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return hardware.NewAuthError(op+": authentication failed", err)
	}
	return hardware.ClassifyTransportError(op, err)
}

// Run executes cmd and returns its trimmed output. A non-zero exit is
// reported as an *ssh.ExitError together with the output.
func (c *Client) Run(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	startTime := time.Now()
	log.Debug().Str("command", cmd).Msg("executing command")

	session, err := c.client.NewSession()
	if err != nil {
		return "", "", hardware.ClassifyTransportError("opening ssh session", err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(startTime)).
		Err(execErr).
		Msg("command completed")

	return stdout, stderr, execErr
}

// Upload copies r to remotePath over SFTP, creating parent directories.
func (c *Client) Upload(ctx context.Context, r io.Reader, remotePath string) (int64, error) {
	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		return 0, hardware.NewTransportError("starting sftp subsystem", err, true)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, hardware.NewDeviceError(fmt.Sprintf("creating %s", path.Dir(remotePath)), err)
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return 0, hardware.NewDeviceError(fmt.Sprintf("creating %s", remotePath), err)
	}
	defer remoteFile.Close()

	n, err := copyWithContext(ctx, remoteFile, r)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, hardware.NewTransportError(fmt.Sprintf("writing %s", remotePath), err, true)
	}

	log.Debug().Str("remote", remotePath).Int64("bytes", n).Msg("file uploaded")
	return n, nil
}

// copyWithContext copies in chunks, checking ctx between them.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// Close closes the connection and the jump host connection, if any.
func (c *Client) Close() error {
	err := c.client.Close()
	if c.jump != nil {
		err = errors.Join(err, c.jump.Close())
	}
	return err
}

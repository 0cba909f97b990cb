package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// execReply is the canned answer to one command.
type execReply struct {
	stdout string
	stderr string
	status uint32
	hang   bool
}

// testSSHServer is a minimal BMC: it answers exec requests from a table
// and serves SFTP from the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	hostKey  ssh.PublicKey
	done     chan struct{}

	mu       sync.Mutex
	replies  map[string]execReply
	commands []string
}

// newTestSSHServer creates a server accepting root/turing.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	hostKey, privateKey, err := newHostKey()
	if err != nil {
		t.Fatalf("host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "root" && string(pass) == "turing" {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", c.User())
		},
	}
	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		hostKey:  hostKey,
		done:     make(chan struct{}),
		replies:  make(map[string]execReply),
	}

	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) on(cmd string, r execReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[cmd] = r
}

func (s *testSSHServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only sessions are served")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

// handleChannel answers exec and sftp subsystem requests on one channel.
func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])

			if req.WantReply {
				req.Reply(true, nil)
			}

			s.mu.Lock()
			s.commands = append(s.commands, command)
			reply, ok := s.replies[command]
			s.mu.Unlock()

			if !ok {
				reply = execReply{stderr: "error: unrecognized command " + command, status: 2}
			}
			if reply.hang {
				select {
				case <-s.done:
				case <-time.After(5 * time.Second):
				}
				return
			}

			channel.Write([]byte(reply.stdout))
			channel.Stderr().Write([]byte(reply.stderr))
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{reply.status}))
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

// newHostKey returns a fresh ed25519 key pair.
func newHostKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// parseAddress splits a listener address into host and port.
func parseAddress(addr string) (string, int) {
	host, port, _ := net.SplitHostPort(addr)
	n, _ := strconv.Atoi(port)
	return host, n
}

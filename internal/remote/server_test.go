package remote

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// execReply scripts the guest's answer to a one-shot command.
type execReply struct {
	stdout string
	stderr string
	status uint32
	block  bool
}

// testServer is a minimal in-process SSH server standing in for the guest.
type testServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	commands map[string]execReply
	shell    map[string]string

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func newTestServer(t *testing.T, commands map[string]execReply, shell map[string]string) *testServer {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == "mininet" && string(password) == "mininet" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	config.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{listener: l, config: config, commands: commands, shell: shell}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *testServer) endpoint() Endpoint {
	return Endpoint{Host: "127.0.0.1", Port: s.listener.Addr().(*net.TCPAddr).Port}
}

func (s *testServer) close() {
	_ = s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *testServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *testServer) handleConn(nc net.Conn) {
	defer s.wg.Done()
	defer nc.Close()

	_, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ssh.DiscardRequests(reqs)
	}()

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go s.handleSession(ch, requests)
	}
}

func (s *testServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer s.wg.Done()
	defer ch.Close()

	stop := make(chan struct{})
	var stopOnce sync.Once
	halt := func() { stopOnce.Do(func() { close(stop) }) }
	defer halt()

	for req := range reqs {
		switch req.Type {
		case "pty-req", "env":
			_ = req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runExec(ch, payload.Command, stop)
			}()
		case "shell":
			_ = req.Reply(true, nil)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runShell(ch)
			}()
		case "signal":
			halt()
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func sendExitStatus(ch ssh.Channel, status uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

func (s *testServer) runExec(ch ssh.Channel, command string, stop <-chan struct{}) {
	reply, ok := s.commands[command]
	if !ok {
		reply = execReply{stderr: "bash: command not found\n", status: 127}
	}
	if reply.block {
		<-stop
		_ = ch.Close()
		return
	}
	_, _ = io.WriteString(ch, reply.stdout)
	_, _ = io.WriteString(ch.Stderr(), reply.stderr)
	sendExitStatus(ch, reply.status)
	_ = ch.Close()
}

func (s *testServer) runShell(ch ssh.Channel) {
	_, _ = io.WriteString(ch, "mininet@mininet-vm:~$ ")
	r := bufio.NewReader(ch)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch line {
		case "exit":
			_, _ = io.WriteString(ch, "exit\r\n")
			sendExitStatus(ch, 0)
			_ = ch.Close()
			return
		case "\x03":
			_, _ = io.WriteString(ch, "^C\r\nmininet@mininet-vm:~$ ")
		default:
			_, _ = io.WriteString(ch, line+"\r\n"+s.shell[line]+"\r\nmininet@mininet-vm:~$ ")
		}
	}
}

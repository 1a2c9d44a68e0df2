package remote

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var lab = Credentials{User: "mininet", Password: "mininet"}

func dialTest(t *testing.T, srv *testServer, opts Options) *SSHChannel {
	t.Helper()
	ch, err := Dial(context.Background(), srv.endpoint(), lab, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// receiveUntil drains sh until marker shows up or the attempts run out.
func receiveUntil(t *testing.T, sh Interactive, marker string) string {
	t.Helper()
	var out strings.Builder
	for i := 0; i < 50 && !strings.Contains(out.String(), marker); i++ {
		chunk, err := sh.Receive(4096)
		require.NoError(t, err)
		out.Write(chunk)
	}
	return out.String()
}

func TestEndpointAddress(t *testing.T) {
	assert.Equal(t, "localhost:8022", Endpoint{Host: "localhost", Port: 8022}.Address())
	assert.Equal(t, "[::1]:22", Endpoint{Host: "::1", Port: 22}.Address())
}

func TestDialRejectsWrongPassword(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	_, err := Dial(context.Background(), srv.endpoint(), Credentials{User: "mininet", Password: "nope"}, Options{})
	assert.Error(t, err)
}

func TestDialUnreachable(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	ep := srv.endpoint()
	srv.close()

	_, err := Dial(context.Background(), ep, lab, Options{DialTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}

func TestExecuteReportsOutputAndExitCode(t *testing.T) {
	srv := newTestServer(t, map[string]execReply{
		"bash ./start_rogue.sh": {stdout: "Starting rogue AS\n"},
		"bash ./stop_rogue.sh":  {stderr: "stop_rogue.sh: No such file or directory\n", status: 1},
	}, nil)
	ch := dialTest(t, srv, Options{})

	res, err := ch.Execute(context.Background(), "bash ./start_rogue.sh")
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "Starting rogue AS\n", res.Stdout)

	res, err = ch.Execute(context.Background(), "bash ./stop_rogue.sh")
	require.NoError(t, err, "non-zero exit is not a transport error")
	assert.False(t, res.Succeeded())
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "No such file")
}

func TestExecuteTimesOut(t *testing.T) {
	srv := newTestServer(t, map[string]execReply{
		"sudo python3 bgp.py": {block: true},
	}, nil)
	ch := dialTest(t, srv, Options{CommandTimeout: 100 * time.Millisecond})

	res, err := ch.Execute(context.Background(), "sudo python3 bgp.py")
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Equal(t, -1, res.ExitCode)
}

func TestExecuteHonoursCancellation(t *testing.T) {
	srv := newTestServer(t, map[string]execReply{
		"sleep": {block: true},
	}, nil)
	ch := dialTest(t, srv, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ch.Execute(ctx, "sleep")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrCommandTimeout)
}

func TestClosedChannelIsNotConnected(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	ch := dialTest(t, srv, Options{})
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	_, err := ch.Execute(context.Background(), "true")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = ch.OpenInteractive()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestInteractiveRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil, map[string]string{
		"cd LAB && bash ./website.sh h5-1": "<h1>Default web server (abc123)</h1>",
	})
	ch := dialTest(t, srv, Options{PollTimeout: 100 * time.Millisecond})

	sh, err := ch.OpenInteractive()
	require.NoError(t, err)
	defer sh.Close()

	require.NoError(t, sh.Send([]byte("cd LAB && bash ./website.sh h5-1\n")))
	require.NoError(t, sh.Send([]byte("\x03\n")))

	out := receiveUntil(t, sh, "^C")
	assert.Contains(t, out, "Default web server (abc123)")
	assert.Contains(t, out, "^C")
}

func TestInteractiveReceiveIsBounded(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	ch := dialTest(t, srv, Options{PollTimeout: 50 * time.Millisecond})

	sh, err := ch.OpenInteractive()
	require.NoError(t, err)
	defer sh.Close()

	receiveUntil(t, sh, "$ ")

	start := time.Now()
	chunk, err := sh.Receive(4096)
	require.NoError(t, err)
	assert.Empty(t, chunk)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInteractiveExitEndsShell(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	ch := dialTest(t, srv, Options{PollTimeout: 50 * time.Millisecond})

	sh, err := ch.OpenInteractive()
	require.NoError(t, err)
	require.NoError(t, sh.Send([]byte("exit\n")))

	var lastErr error
	for i := 0; i < 100 && lastErr == nil; i++ {
		_, lastErr = sh.Receive(4096)
	}
	assert.ErrorIs(t, lastErr, ErrNotConnected)
	assert.NoError(t, sh.Close())
	assert.ErrorIs(t, sh.Send([]byte("ls\n")), ErrNotConnected)
}

func TestShellBufferKeepsNewestBytes(t *testing.T) {
	s := &shell{limit: 4, pollTimeout: time.Millisecond, notify: make(chan struct{}, 1)}
	_, _ = s.append([]byte("abcdef"))

	chunk, err := s.Receive(2)
	require.NoError(t, err)
	assert.Equal(t, "cd", string(chunk))

	chunk, err = s.Receive(10)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(chunk))

	chunk, err = s.Receive(10)
	require.NoError(t, err)
	assert.Empty(t, chunk)
}

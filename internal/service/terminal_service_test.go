package service

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/deployd/agent/internal/docker/dockertest"
	"github.com/deployd/agent/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTerminalFixture(t *testing.T) (*TerminalService, *AuthService, *dockertest.Runtime, string) {
	t.Helper()
	cfg := &config.Config{JWTSecret: "test-secret", TerminalAuthTimeout: time.Second}
	rt := dockertest.New()
	c := rt.AddContainer("shop", "web", nil)
	auth := NewAuthService(cfg)
	return NewTerminalService(rt, auth, cfg), auth, rt, c.ID
}

func shellLine(t *testing.T, w io.Writer, r *bufio.Reader, input string) string {
	t.Helper()
	_, err := io.WriteString(w, input+"\n")
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestTerminalSessionLifecycle(t *testing.T) {
	svc, auth, rt, containerID := newTerminalFixture(t)
	token, err := auth.GenerateToken("alice", time.Minute)
	require.NoError(t, err)

	sess := svc.NewSession(containerID, "10.0.0.5:51234")
	assert.Equal(t, SessionAwaitingAuth, sess.State())

	// resize before the shell exists is ignored
	require.NoError(t, sess.Resize(context.Background(), 50, 120))

	_, err = sess.Start(context.Background(), 30, 100)
	require.Error(t, err, "no shell before authentication")

	require.NoError(t, sess.Authenticate(token))
	assert.Equal(t, SessionAuthenticated, sess.State())

	shell, err := sess.Start(context.Background(), 30, 100)
	require.NoError(t, err)
	fake := rt.LastShell()
	require.NotNil(t, fake)
	assert.Equal(t, defaultShellCmd, fake.Opts.Cmd)
	assert.Equal(t, []string{"TERM=xterm-256color"}, fake.Opts.Env)

	out := bufio.NewReader(shell)
	assert.Equal(t, "30 100\r\n", shellLine(t, shell, out, "stty size"))

	require.NoError(t, sess.Resize(context.Background(), 40, 160))
	assert.Equal(t, "40 160\r\n", shellLine(t, shell, out, "stty size"))

	// a zero dimension keeps the current geometry
	require.NoError(t, sess.Resize(context.Background(), 0, 90))
	rows, cols := fake.Size()
	assert.Equal(t, uint(40), rows)
	assert.Equal(t, uint(160), cols)

	_, err = sess.Start(context.Background(), 30, 100)
	require.Error(t, err, "one shell per session")

	sess.Close(ResultClientClose)
	sess.Close(ResultError)
	assert.Equal(t, SessionClosed, sess.State())
	assert.True(t, fake.Closed())
}

func TestTerminalAuthenticateRejects(t *testing.T) {
	svc, auth, rt, containerID := newTerminalFixture(t)

	sess := svc.NewSession(containerID, "10.0.0.5:1")
	err := sess.Authenticate("not-a-jwt")
	var aerr *AuthError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, SessionAwaitingAuth, sess.State())

	other := NewAuthService(&config.Config{JWTSecret: "another-secret"})
	forged, err := other.GenerateToken("mallory", time.Minute)
	require.NoError(t, err)
	require.ErrorAs(t, sess.Authenticate(forged), &aerr)

	expired, err := auth.GenerateToken("alice", -time.Minute)
	require.NoError(t, err)
	require.ErrorAs(t, sess.Authenticate(expired), &aerr)

	sess.Close(ResultAuthFailed)
	valid, err := auth.GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	require.ErrorAs(t, sess.Authenticate(valid), &aerr, "closed sessions stay closed")
	assert.Empty(t, rt.Shells)
}

func TestTerminalStartOnStoppedContainer(t *testing.T) {
	svc, auth, rt, _ := newTerminalFixture(t)
	token, err := auth.GenerateToken("alice", time.Minute)
	require.NoError(t, err)

	sess := svc.NewSession("does-not-exist", "10.0.0.5:1")
	require.NoError(t, sess.Authenticate(token))
	_, err = sess.Start(context.Background(), 24, 80)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open shell")
	assert.Empty(t, rt.Shells)

	sess.Close(ResultShellFailed)
	assert.Equal(t, SessionClosed, sess.State())
}

func TestTerminalShellOverride(t *testing.T) {
	cfg := &config.Config{JWTSecret: "s", TerminalShell: "/bin/ash"}
	svc := NewTerminalService(dockertest.New(), NewAuthService(cfg), cfg)
	assert.Equal(t, []string{"/bin/ash"}, svc.shellCmd)
	assert.Equal(t, 10*time.Second, svc.AuthTimeout())
}

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deployd/agent/internal/docker"
	"github.com/deployd/agent/pkg/logger"
	"github.com/google/uuid"
)

const (
	truncationMarker = "\n[output truncated]"
	killGracePeriod  = 10 * time.Second
	// between TERM and KILL, inside killGracePeriod
	killTermWait = 5 * time.Second
)

// ErrCommandTimeout marks a container process killed after its deadline.
var ErrCommandTimeout = errors.New("timeout")

// containerCommand is a shell script run inside a container.
type containerCommand struct {
	ContainerID string
	Script      string
	Args        []string // positional parameters of Script
	Env         []string
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
	Timeout     time.Duration
}

// containerExecutor runs scripts through the runtime with a deadline. The
// wrapper records the command's process group so it can be killed when the
// deadline passes; detaching from an exec alone leaves it running.
type containerExecutor struct {
	runtime docker.ContainerRuntime
}

func newContainerExecutor(runtime docker.ContainerRuntime) *containerExecutor {
	return &containerExecutor{runtime: runtime}
}

// wrapperScript runs "$@" as sh -c arguments in a session of its own, so the
// command and everything it spawns share one process group. The group id goes
// to the pid file. Asynchronous lists read /dev/null unless stdin is handed
// over explicitly, hence fd 3.
const wrapperScript = `exec 3<&0
if command -v setsid >/dev/null 2>&1; then setsid sh -c "$@" <&3 3<&- & else sh -c "$@" <&3 3<&- & fi
c=$!; exec 3<&-; echo "$c" > "$PIDFILE"
wait "$c"; rc=$?; rm -f "$PIDFILE"; exit $rc`

// killScript sends TERM to the recorded process group, waits up to
// $KILL_WAIT seconds and then sends KILL. Without setsid the pid is not a
// group leader and only it and its direct children are signalled.
const killScript = `p=$(cat "$PIDFILE" 2>/dev/null) || exit 0
[ -n "$p" ] || exit 0
alive() { kill -0 -"$p" 2>/dev/null || kill -0 "$p" 2>/dev/null; }
kill -TERM -"$p" 2>/dev/null || { pkill -TERM -P "$p"; kill -TERM "$p"; } 2>/dev/null
i=0
while [ "$i" -lt "${KILL_WAIT:-5}" ] && alive; do sleep 1; i=$((i+1)); done
if alive; then kill -KILL -"$p" 2>/dev/null || { pkill -KILL -P "$p"; kill -KILL "$p"; } 2>/dev/null; fi
rm -f "$PIDFILE"
exit 0`

func wrapCommand(script string, args []string) []string {
	cmd := []string{"sh", "-c", wrapperScript, "deployd", script}
	if len(args) > 0 {
		cmd = append(cmd, "deployd")
		cmd = append(cmd, args...)
	}
	return cmd
}

// Run executes the command and returns its exit code. A deadline hit returns
// an error wrapping ErrCommandTimeout after the process is killed.
func (e *containerExecutor) Run(ctx context.Context, cmd containerCommand) (int, error) {
	pidFile := "/tmp/.deployd-" + uuid.NewString() + ".pid"

	execCtx := ctx
	cancel := func() {}
	if cmd.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	}
	defer cancel()

	res, err := e.runtime.Exec(execCtx, cmd.ContainerID, docker.ExecRequest{
		Cmd:    wrapCommand(cmd.Script, cmd.Args),
		Env:    append([]string{"PIDFILE=" + pidFile}, cmd.Env...),
		Stdin:  cmd.Stdin,
		Stdout: cmd.Stdout,
		Stderr: cmd.Stderr,
	})

	if execCtx.Err() != nil {
		e.kill(cmd.ContainerID, pidFile)
		if ctx.Err() == nil {
			return -1, fmt.Errorf("%w after %s", ErrCommandTimeout, cmd.Timeout)
		}
		return -1, ctx.Err()
	}
	if err != nil {
		return -1, err
	}
	return res.ExitCode, nil
}

func (e *containerExecutor) kill(containerID, pidFile string) {
	ctx, cancel := context.WithTimeout(context.Background(), killGracePeriod)
	defer cancel()

	_, err := e.runtime.Exec(ctx, containerID, docker.ExecRequest{
		Cmd: []string{"sh", "-c", killScript},
		Env: []string{"PIDFILE=" + pidFile, "KILL_WAIT=" + strconv.Itoa(int(killTermWait/time.Second))},
	})
	if err != nil {
		logger.Warn("EXEC: Failed to kill timed out process", map[string]interface{}{
			"container_id": containerID,
			"error":        err.Error(),
		})
	}
}

// RunCaptured runs the command with combined output capped at limit bytes.
func (e *containerExecutor) RunCaptured(ctx context.Context, cmd containerCommand, limit int) (string, int, error) {
	out := newLimitedBuffer(limit)
	cmd.Stdout = out
	cmd.Stderr = out
	code, err := e.Run(ctx, cmd)
	return out.String(), code, err
}

// limitedBuffer keeps the first limit bytes written and drops the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.buf.Len()
	if b.limit <= 0 {
		room = len(p)
	}
	if room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

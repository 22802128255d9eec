// Package dockertest provides an in-memory ContainerRuntime for tests.
package dockertest

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/deployd/agent/internal/docker"
)

// ExecHandler emulates one process. The last element of req.Cmd is the user
// command for shell invocations.
type ExecHandler func(ctx context.Context, c *Container, req docker.ExecRequest) (int, error)

// Container is a fake container with a flat file tree.
type Container struct {
	ID         string
	Deployment string
	Service    string
	Running    bool
	Env        map[string]string

	mu    sync.Mutex
	files map[string][]byte
}

// WriteFile stores content at an absolute path.
func (c *Container) WriteFile(p string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[path.Clean(p)] = append([]byte(nil), content...)
}

// ReadFile returns the content at an absolute path.
func (c *Container) ReadFile(p string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.files[path.Clean(p)]
	return b, ok
}

// RemoveAll deletes p and everything below it.
func (c *Container) RemoveAll(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = path.Clean(p)
	for name := range c.files {
		if name == p || strings.HasPrefix(name, p+"/") {
			delete(c.files, name)
		}
	}
}

// Runtime is an in-memory docker.ContainerRuntime.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*Container
	nextID     int

	Handler ExecHandler

	Execs        [][]string
	Stops        []string
	Starts       []string
	Shells       []*Shell
	FailCopyFrom map[string]error // keyed by container path
}

var _ docker.ContainerRuntime = (*Runtime)(nil)

func New() *Runtime {
	return &Runtime{
		containers:   make(map[string]*Container),
		FailCopyFrom: make(map[string]error),
	}
}

// AddContainer registers a running container for deployment/service.
func (r *Runtime) AddContainer(deployment, service string, env map[string]string) *Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c := &Container{
		ID:         fmt.Sprintf("%s-%s-%d", deployment, service, r.nextID),
		Deployment: deployment,
		Service:    service,
		Running:    true,
		Env:        env,
		files:      make(map[string][]byte),
	}
	if c.Env == nil {
		c.Env = map[string]string{}
	}
	r.containers[c.ID] = c
	return c
}

func (r *Runtime) get(id string) (*Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", id)
	}
	return c, nil
}

func (r *Runtime) ResolveService(ctx context.Context, deployment, service string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.containers {
		if c.Deployment == deployment && c.Service == service && c.Running {
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", docker.ErrServiceNotRunning, deployment, service)
}

func (r *Runtime) DeploymentContainers(ctx context.Context, deployment string) ([]docker.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []docker.Container
	for _, c := range r.containers {
		if c.Deployment == deployment {
			out = append(out, docker.Container{ID: c.ID, Name: c.ID, Service: c.Service, Running: c.Running})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Runtime) Exec(ctx context.Context, containerID string, req docker.ExecRequest) (*docker.ExecResult, error) {
	c, err := r.get(containerID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.Execs = append(r.Execs, append([]string(nil), req.Cmd...))
	handler := r.Handler
	r.mu.Unlock()

	if handler == nil {
		return &docker.ExecResult{}, nil
	}
	code, err := handler(ctx, c, req)
	if err != nil {
		return nil, err
	}
	return &docker.ExecResult{ExitCode: code}, nil
}

// ExecCount returns the number of processes started so far.
func (r *Runtime) ExecCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Execs)
}

func (r *Runtime) ContainerEnv(ctx context.Context, containerID string) (map[string]string, error) {
	c, err := r.get(containerID)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		env[k] = v
	}
	return env, nil
}

// CopyFrom mirrors the engine: entries are rooted at the base name of srcPath.
func (r *Runtime) CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	c, err := r.get(containerID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	failure := r.FailCopyFrom[srcPath]
	r.mu.Unlock()
	if failure != nil {
		return nil, failure
	}

	srcPath = path.Clean(srcPath)
	base := path.Base(srcPath)

	c.mu.Lock()
	var names []string
	for name := range c.files {
		if name == srcPath || strings.HasPrefix(name, srcPath+"/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	contents := make(map[string][]byte, len(names))
	for _, n := range names {
		contents[n] = c.files[n]
	}
	c.mu.Unlock()

	if len(names) == 0 {
		return nil, fmt.Errorf("Could not find the file %s in container %s", srcPath, containerID)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dirs := map[string]bool{}
	for _, name := range names {
		rel := base
		if name != srcPath {
			rel = base + "/" + strings.TrimPrefix(name, srcPath+"/")
		}
		for dir := path.Dir(rel); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}
	var dirList []string
	for d := range dirs {
		dirList = append(dirList, d)
	}
	sort.Strings(dirList)
	for _, d := range dirList {
		if err := tw.WriteHeader(&tar.Header{Name: d + "/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
			return nil, err
		}
	}
	for _, name := range names {
		rel := base
		if name != srcPath {
			rel = base + "/" + strings.TrimPrefix(name, srcPath+"/")
		}
		data := contents[name]
		if err := tw.WriteHeader(&tar.Header{Name: rel, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(data))}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (r *Runtime) CopyTo(ctx context.Context, containerID, dstDir string, content io.Reader) error {
	c, err := r.get(containerID)
	if err != nil {
		return err
	}
	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		c.WriteFile(path.Join(dstDir, hdr.Name), data)
	}
}

func (r *Runtime) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	c, err := r.get(containerID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Running = false
	r.Stops = append(r.Stops, containerID)
	return nil
}

func (r *Runtime) StartContainer(ctx context.Context, containerID string) error {
	c, err := r.get(containerID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Running = true
	r.Starts = append(r.Starts, containerID)
	return nil
}

func (r *Runtime) OpenShell(ctx context.Context, containerID string, opts docker.ShellOptions) (docker.ShellSession, error) {
	c, err := r.get(containerID)
	if err != nil {
		return nil, err
	}
	if !c.Running {
		return nil, fmt.Errorf("container %s is not running", containerID)
	}
	s := newShell(opts)
	r.mu.Lock()
	r.Shells = append(r.Shells, s)
	r.mu.Unlock()
	return s, nil
}

// LastShell returns the most recently opened shell, or nil.
func (r *Runtime) LastShell() *Shell {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Shells) == 0 {
		return nil
	}
	return r.Shells[len(r.Shells)-1]
}

// Shell is a line-oriented fake tty. "stty size" prints the current geometry,
// "exit" ends the process, anything else is echoed back.
type Shell struct {
	Opts docker.ShellOptions

	mu     sync.Mutex
	rows   uint
	cols   uint
	closed bool

	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter
}

func newShell(opts docker.ShellOptions) *Shell {
	s := &Shell{Opts: opts, rows: opts.Rows, cols: opts.Cols}
	if s.rows == 0 {
		s.rows = 24
	}
	if s.cols == 0 {
		s.cols = 80
	}
	s.inR, s.inW = io.Pipe()
	s.outR, s.outW = io.Pipe()
	go s.run()
	return s
}

func (s *Shell) run() {
	defer s.outW.Close()
	sc := bufio.NewScanner(s.inR)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		var reply string
		switch line {
		case "exit":
			return
		case "stty size":
			rows, cols := s.Size()
			reply = fmt.Sprintf("%d %d\r\n", rows, cols)
		default:
			reply = line + "\r\n"
		}
		if _, err := s.outW.Write([]byte(reply)); err != nil {
			return
		}
	}
}

// Size returns the current geometry.
func (s *Shell) Size() (uint, uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// Closed reports whether Close was called.
func (s *Shell) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Shell) Read(p []byte) (int, error)  { return s.outR.Read(p) }
func (s *Shell) Write(p []byte) (int, error) { return s.inW.Write(p) }

func (s *Shell) Resize(ctx context.Context, rows, cols uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows, s.cols = rows, cols
	return nil
}

func (s *Shell) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.inW.Close()
	s.outR.Close()
	return nil
}

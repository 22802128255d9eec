package service

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/deployd/agent/internal/models"
)

// databaseTarget is a database with its connection parameters resolved from
// the service container's environment.
type databaseTarget struct {
	Spec        models.DatabaseBackupSpec
	ContainerID string
	Host        string
	Port        int
	Username    string
	Password    string
	Database    string
}

// resolveDatabaseTarget reads each credential source once.
func resolveDatabaseTarget(spec models.DatabaseBackupSpec, containerID string, env map[string]string) (*databaseTarget, error) {
	t := &databaseTarget{Spec: spec, ContainerID: containerID, Host: "localhost", Port: spec.Type.DefaultPort()}

	if v, ok, err := spec.HostSource().Resolve(env); err != nil {
		return nil, fmt.Errorf("host: %w", err)
	} else if ok && v != "" {
		t.Host = v
	}

	if v, ok, err := spec.PortSource().Resolve(env); err != nil {
		return nil, fmt.Errorf("port: %w", err)
	} else if ok && v != "" {
		port, convErr := strconv.Atoi(v)
		if convErr != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("port: invalid value %q", v)
		}
		t.Port = port
	}

	var err error
	if t.Username, _, err = spec.UserSource().Resolve(env); err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	if t.Password, _, err = spec.PasswordSource().Resolve(env); err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}
	if t.Database, _, err = spec.DatabaseSource().Resolve(env); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if t.Database == "" && spec.Type != models.DatabaseMongoDB {
		return nil, fmt.Errorf("database: resolved to an empty name")
	}
	return t, nil
}

// Label identifies the database in logs and errors.
func (t *databaseTarget) Label() string {
	name := t.Database
	if name == "" {
		name = "all"
	}
	return t.Spec.Service + "/" + name
}

// EntryName is the archive path of the dump.
func (t *databaseTarget) EntryName() string {
	name := t.Database
	if name == "" {
		name = "all"
	}
	ext := "sql"
	if t.Spec.Type == models.DatabaseMongoDB {
		ext = "archive"
	}
	return fmt.Sprintf("db/%s-%s.%s", t.Spec.Service, sanitizeEntryName(name), ext)
}

func sanitizeEntryName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}

// passwordEnv is the variable carrying the password into the client tool.
// Credentials never appear in argv.
const passwordEnv = "DEPLOYD_DB_PASSWORD"

// dumpCommand builds the script that writes the dump to stdout.
func (t *databaseTarget) dumpCommand() containerCommand {
	port := strconv.Itoa(t.Port)
	switch t.Spec.Type {
	case models.DatabasePostgres:
		args := []string{"-h", t.Host, "-p", port, "--no-owner", "--clean", "--if-exists"}
		if t.Username != "" {
			args = append(args, "-U", t.Username)
		}
		args = append(args, t.Database)
		return containerCommand{
			Script: `PGPASSWORD="$` + passwordEnv + `" exec pg_dump "$@"`,
			Args:   args,
			Env:    t.env(),
		}
	case models.DatabaseMySQL, models.DatabaseMariaDB:
		args := []string{"-h", t.Host, "-P", port, "--single-transaction", "--routines", "--triggers"}
		if t.Username != "" {
			args = append(args, "-u", t.Username)
		}
		args = append(args, t.Database)
		return containerCommand{
			Script: mysqlScript("mariadb-dump", "mysqldump"),
			Args:   args,
			Env:    t.env(),
		}
	default: // mongodb
		args := []string{"--archive", "--host", t.Host, "--port", port}
		if t.Username != "" {
			args = append(args, "--username", t.Username, "--authenticationDatabase", "admin")
		}
		if t.Database != "" {
			args = append(args, "--db", t.Database)
		}
		return containerCommand{
			Script: mongoScript("mongodump", t.Password != ""),
			Args:   args,
			Env:    t.env(),
		}
	}
}

// restoreCommand builds the script that reads a dump from stdin.
func (t *databaseTarget) restoreCommand() containerCommand {
	port := strconv.Itoa(t.Port)
	switch t.Spec.Type {
	case models.DatabasePostgres:
		args := []string{"-h", t.Host, "-p", port, "-v", "ON_ERROR_STOP=1", "-q"}
		if t.Username != "" {
			args = append(args, "-U", t.Username)
		}
		args = append(args, "-d", t.Database)
		return containerCommand{
			Script: `PGPASSWORD="$` + passwordEnv + `" exec psql "$@"`,
			Args:   args,
			Env:    t.env(),
		}
	case models.DatabaseMySQL, models.DatabaseMariaDB:
		args := []string{"-h", t.Host, "-P", port}
		if t.Username != "" {
			args = append(args, "-u", t.Username)
		}
		args = append(args, t.Database)
		return containerCommand{
			Script: mysqlScript("mariadb", "mysql"),
			Args:   args,
			Env:    t.env(),
		}
	default:
		args := []string{"--archive", "--drop", "--host", t.Host, "--port", port}
		if t.Username != "" {
			args = append(args, "--username", t.Username, "--authenticationDatabase", "admin")
		}
		if t.Database != "" {
			args = append(args, "--nsInclude", t.Database+".*")
		}
		return containerCommand{
			Script: mongoScript("mongorestore", t.Password != ""),
			Args:   args,
			Env:    t.env(),
		}
	}
}

func (t *databaseTarget) env() []string {
	if t.Password == "" {
		return nil
	}
	return []string{passwordEnv + "=" + t.Password}
}

// mysqlScript prefers the MariaDB binary name and falls back to the MySQL one.
func mysqlScript(mariadbBin, mysqlBin string) string {
	return fmt.Sprintf(`export MYSQL_PWD="$%s"; if command -v %s >/dev/null 2>&1; then exec %s "$@"; else exec %s "$@"; fi`,
		passwordEnv, mariadbBin, mariadbBin, mysqlBin)
}

func mongoScript(bin string, withPassword bool) string {
	if withPassword {
		return fmt.Sprintf(`exec %s "$@" --password="$%s"`, bin, passwordEnv)
	}
	return fmt.Sprintf(`exec %s "$@"`, bin)
}

// Dump streams the database dump into w.
func (t *databaseTarget) Dump(ctx context.Context, exec *containerExecutor, opts dumpOptions, w io.Writer) error {
	cmd := t.dumpCommand()
	cmd.ContainerID = t.ContainerID
	cmd.Stdout = w
	stderr := newLimitedBuffer(opts.StderrLimit)
	cmd.Stderr = stderr
	cmd.Timeout = opts.Timeout

	code, err := exec.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("dump exited with code %d: %s", code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Restore feeds a dump from r into the database client.
func (t *databaseTarget) Restore(ctx context.Context, exec *containerExecutor, opts dumpOptions, r io.Reader) error {
	cmd := t.restoreCommand()
	cmd.ContainerID = t.ContainerID
	cmd.Stdin = r
	out := newLimitedBuffer(opts.StderrLimit)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Timeout = opts.Timeout

	code, err := exec.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("restore exited with code %d: %s", code, strings.TrimSpace(out.String()))
	}
	return nil
}

type dumpOptions struct {
	Timeout     time.Duration
	StderrLimit int
}

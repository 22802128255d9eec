package service

import (
	"testing"

	"github.com/deployd/agent/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDatabaseTargetFromEnv(t *testing.T) {
	env := map[string]string{
		"DB_HOST":     "mysql.internal",
		"DB_PORT":     "3307",
		"DB_USER":     "app",
		"DB_PASSWORD": "hunter2",
		"DB_NAME":     "wordpress",
	}
	target, err := resolveDatabaseTarget(models.DatabaseBackupSpec{
		Service:     "db",
		Type:        models.DatabaseMariaDB,
		HostEnv:     "DB_HOST",
		PortEnv:     "DB_PORT",
		UserEnv:     "DB_USER",
		PasswordEnv: "DB_PASSWORD",
		DatabaseEnv: "DB_NAME",
	}, "c1", env)
	require.NoError(t, err)

	assert.Equal(t, "mysql.internal", target.Host)
	assert.Equal(t, 3307, target.Port)
	assert.Equal(t, "app", target.Username)
	assert.Equal(t, "hunter2", target.Password)
	assert.Equal(t, "wordpress", target.Database)
	assert.Equal(t, "db/db-wordpress.sql", target.EntryName())
}

func TestResolveDatabaseTargetLiteralsAndDefaults(t *testing.T) {
	target, err := resolveDatabaseTarget(models.DatabaseBackupSpec{
		Service:  "postgres",
		Type:     models.DatabasePostgres,
		User:     "postgres",
		Database: "app db",
	}, "c1", map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "localhost", target.Host)
	assert.Equal(t, 5432, target.Port)
	assert.Empty(t, target.Password)
	assert.Nil(t, target.env(), "no password means no password variable")
	assert.Equal(t, "db/postgres-app_db.sql", target.EntryName())
	assert.Equal(t, "postgres/app db", target.Label())
}

func TestResolveDatabaseTargetErrors(t *testing.T) {
	cases := map[string]struct {
		spec models.DatabaseBackupSpec
		env  map[string]string
		want string
	}{
		"missing password variable": {
			spec: models.DatabaseBackupSpec{Service: "db", Type: models.DatabaseMySQL, Database: "app", PasswordEnv: "MYSQL_ROOT_PASSWORD"},
			env:  map[string]string{},
			want: "password: environment variable MYSQL_ROOT_PASSWORD is not set",
		},
		"invalid port": {
			spec: models.DatabaseBackupSpec{Service: "db", Type: models.DatabasePostgres, Database: "app", PortEnv: "PGPORT"},
			env:  map[string]string{"PGPORT": "fivefour"},
			want: `port: invalid value "fivefour"`,
		},
		"empty database": {
			spec: models.DatabaseBackupSpec{Service: "db", Type: models.DatabasePostgres, DatabaseEnv: "POSTGRES_DB"},
			env:  map[string]string{"POSTGRES_DB": ""},
			want: "database: resolved to an empty name",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := resolveDatabaseTarget(tc.spec, "c1", tc.env)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestMongoDumpAllDatabases(t *testing.T) {
	target, err := resolveDatabaseTarget(models.DatabaseBackupSpec{
		Service:     "mongo",
		Type:        models.DatabaseMongoDB,
		UserEnv:     "MONGO_INITDB_ROOT_USERNAME",
		PasswordEnv: "MONGO_INITDB_ROOT_PASSWORD",
	}, "c1", map[string]string{
		"MONGO_INITDB_ROOT_USERNAME": "root",
		"MONGO_INITDB_ROOT_PASSWORD": "pw",
	})
	require.NoError(t, err)
	assert.Equal(t, "mongo/all", target.Label())
	assert.Equal(t, "db/mongo-all.archive", target.EntryName())

	cmd := target.dumpCommand()
	assert.Contains(t, cmd.Script, "mongodump")
	assert.Contains(t, cmd.Script, "$"+passwordEnv)
	assert.NotContains(t, cmd.Args, "--db")
	assert.Equal(t, []string{passwordEnv + "=pw"}, cmd.Env)
}

func TestMySQLScriptPrefersMariaDBBinary(t *testing.T) {
	target := &databaseTarget{
		Spec:     models.DatabaseBackupSpec{Service: "db", Type: models.DatabaseMySQL},
		Host:     "localhost",
		Port:     3306,
		Username: "root",
		Database: "shop",
	}
	dump := target.dumpCommand()
	assert.Contains(t, dump.Script, "command -v mariadb-dump")
	assert.Contains(t, dump.Script, "exec mysqldump")
	assert.Equal(t, "shop", dump.Args[len(dump.Args)-1])

	restore := target.restoreCommand()
	assert.Contains(t, restore.Script, "command -v mariadb ")
	assert.Contains(t, restore.Script, "exec mysql ")
}

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/dgrijalva/jwt-go"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/proctor/apps/api/echo"
	"github.com/trezcool/proctor/core/lockdown"
	"github.com/trezcool/proctor/tests"
)

func setup(t *testing.T) (*commandLine, *bytes.Buffer) {
	var out bytes.Buffer
	return &commandLine{
		conf: testutil.NewConfig(),
		db:   testutil.PrepareDB(t),
		out:  &out,
	}, &out
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	extra      interface{}
}

func checkErr(t *testing.T, tt cliTest, err error) {
	if err == nil {
		if tt.wantErr != nil || tt.wantErrStr != "" {
			t.Errorf("cli.run() error = nil, wantErr %v%s", tt.wantErr, tt.wantErrStr)
		}
		return
	}
	if tt.wantErr != nil {
		if err != tt.wantErr {
			t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
		}
	} else if tt.wantErrStr != "" {
		if err.Error() != tt.wantErrStr {
			t.Errorf("cli.run() error.Error() = %s, wantErrStr %s", err.Error(), tt.wantErrStr)
		}
	} else {
		t.Errorf("cli.run() unexpected error = %v", err)
	}
}

func Test_commandLine_run(t *testing.T) {
	cli, out := setup(t)

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, tt, cli.run(args))
		})
	}
	assert.Contains(t, out.String(), "Usage:")
}

func Test_commandLine_migrate(t *testing.T) {
	cli, _ := setup(t)

	orig := gooseRunFunc
	defer func() { gooseRunFunc = orig }()
	gooseRunFunc = func(_ context.Context, db *sqlx.DB, command string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to":
			if len(args) == 0 {
				return fmt.Errorf("up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		case "down-to":
			if len(args) == 0 {
				return fmt.Errorf("down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "down-to: non-int arg", args: []string{"migrate", "down-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-by-one", args: []string{"migrate", "up-by-one"}},
		{name: "up-to", args: []string{"migrate", "up-to", "1"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "0"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "reset", args: []string{"migrate", "reset"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
		{name: "create", args: []string{"migrate", "create", "snapshots", "sql"}},
		{name: "fix", args: []string{"migrate", "fix"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, tt, cli.run(args))
		})
	}

	t.Run("no database", func(t *testing.T) {
		noDB := &commandLine{conf: cli.conf, out: cli.out}
		assert.Equal(t, errNoDatabase, noDB.run([]string{"admin", "migrate", "up"}))
	})
}

func Test_commandLine_migrate_goose(t *testing.T) {
	cli, _ := setup(t)

	// the test database is already migrated
	require.NoError(t, cli.run([]string{"admin", "migrate", "down"}))
	require.NoError(t, cli.run([]string{"admin", "migrate", "up"}))

	var exists int
	require.NoError(t, cli.db.Get(&exists, "SELECT COUNT(*) FROM violation_ledgers"))
}

func Test_commandLine_lockdown(t *testing.T) {
	cli, _ := setup(t)
	dir := t.TempDir()

	type extra struct {
		pwd string
	}
	tests := []cliTest{
		{name: "no args", args: []string{"lockdown"}, wantErr: errHelp},
		{name: "no base url", args: []string{"lockdown", "-exam", "exam1"}, wantErr: errHelp},
		{name: "quit without password", args: []string{"lockdown", "-exam", "exam1", "-base", "https://exams.school.cd", "-quit"}, wantErr: errHelp},
		{name: "invalid exam id", args: []string{"lockdown", "-exam", "../exam1", "-base", "https://exams.school.cd"}, wantErrStr: `invalid exam id "../exam1"`},
		{name: "invalid base url", args: []string{"lockdown", "-exam", "exam1", "-base", "exams.school.cd", "-out", filepath.Join(dir, "x.seb")},
			wantErrStr: "encoding lockdown configuration: " + lockdown.ErrInvalidBaseURL.Error()},
		{name: "ok", args: []string{"lockdown", "-exam", "exam1", "-base", "https://exams.school.cd", "-title", "Final Exam",
			"-allow", "docs.school.cd/*", "-allow", "wiki.school.cd/*", "-out", filepath.Join(dir, "final.seb")}},
		{name: "quit password", args: []string{"lockdown", "-exam", "exam2", "-base", "https://exams.school.cd", "-quit",
			"-out", filepath.Join(dir, "quit.seb")}, extra: extra{pwd: "letmeout"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		readPasswordFunc = func(fd int) ([]byte, error) {
			if extra, ok := tt.extra.(extra); ok {
				return []byte(extra.pwd), nil
			}
			return nil, nil
		}

		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, tt, cli.run(args))
		})
	}

	data, err := os.ReadFile(filepath.Join(dir, "final.seb"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "https://exams.school.cd/exams/exam1/take")
	assert.Contains(t, string(data), "wiki.school.cd/*")

	data, err = os.ReadFile(filepath.Join(dir, "quit.seb"))
	require.NoError(t, err)
	assert.Contains(t, string(data), lockdown.HashPassword("letmeout"))
	assert.NotContains(t, string(data), "letmeout")
}

func Test_commandLine_token(t *testing.T) {
	cli, out := setup(t)

	tests := []cliTest{
		{name: "no args", args: []string{"token"}, wantErr: errHelp},
		{name: "invalid role", args: []string{"token", "-user", "u1", "-role", "janitor"}, wantErr: errInvalidRole},
		{name: "invalid user", args: []string{"token", "-user", "u 1"}, wantErrStr: `invalid user id "u 1"`},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, tt, cli.run(args))
		})
	}

	out.Reset()
	require.NoError(t, cli.run([]string{"admin", "token", "-user", "teacher1", "-role", echoapi.RoleTeacher}))

	claims := new(echoapi.Claims)
	_, err := jwt.ParseWithClaims(strings.TrimSpace(out.String()), claims, func(*jwt.Token) (interface{}, error) {
		return []byte(cli.conf.SecretKey), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "teacher1", claims.Subject)
	assert.Equal(t, "teacher1", claims.Username)
	assert.True(t, claims.IsTeacher)
	assert.False(t, claims.IsStudent)
	assert.True(t, claims.Monitor())
}

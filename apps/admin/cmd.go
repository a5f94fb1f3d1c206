package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/jmoiron/sqlx"
	"golang.org/x/term"

	echoapi "github.com/trezcool/proctor/apps/api/echo"
	"github.com/trezcool/proctor/core"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	conf *core.Config
	db   *sqlx.DB
	out  io.Writer
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a goose migration command (up, down, status, ...)")
	fmt.Fprintln(cli.out, "  lockdown -exam ID -base URL [-title TITLE] [-out FILE] [-allow EXPR]... [-quit] - write a Safe Exam Browser file")
	fmt.Fprintln(cli.out, "  token -user ID -role student|teacher|admin [-username NAME] [-email EMAIL] - print a signed JWT")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	lockdownCmd := flag.NewFlagSet("lockdown", flag.ContinueOnError)
	lockdownCmd.SetOutput(cli.out)
	lockdownExam := lockdownCmd.String("exam", "", "The exam id.")
	lockdownTitle := lockdownCmd.String("title", "", "The exam title shown by the browser.")
	lockdownBase := lockdownCmd.String("base", "", "The exam front-end base URL, e.g. https://exams.school.cd")
	lockdownOut := lockdownCmd.String("out", "", "The output file. Defaults to a name derived from the title.")
	lockdownQuit := lockdownCmd.Bool("quit", false, "Allow quitting with a password. The password will be prompted next.")
	lockdownReload := lockdownCmd.Bool("reload", false, "Allow reloading the exam page.")
	var lockdownAllow stringList
	lockdownCmd.Var(&lockdownAllow, "allow", "An extra URL filter expression to allow. Repeatable.")

	tokenCmd := flag.NewFlagSet("token", flag.ContinueOnError)
	tokenCmd.SetOutput(cli.out)
	tokenUser := tokenCmd.String("user", "", "The user id (JWT subject).")
	tokenRole := tokenCmd.String("role", echoapi.RoleStudent, "The user role: student, teacher or admin.")
	tokenUsername := tokenCmd.String("username", "", "The username. Defaults to the user id.")
	tokenEmail := tokenCmd.String("email", "", "The user email.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "lockdown":
		if err := lockdownCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *lockdownExam == "" || *lockdownBase == "" {
			lockdownCmd.Usage()
			return errHelp
		}
		opts := lockdownOptions{
			examID:  *lockdownExam,
			title:   *lockdownTitle,
			baseURL: *lockdownBase,
			out:     *lockdownOut,
			allow:   lockdownAllow,
			reload:  *lockdownReload,
		}
		if *lockdownQuit {
			fmt.Fprint(cli.out, "Enter quit password:")
			pwd, err := readPasswordFunc(int(syscall.Stdin))
			fmt.Fprintln(cli.out)
			if err != nil {
				return err
			}
			if len(pwd) == 0 {
				lockdownCmd.Usage()
				return errHelp
			}
			opts.quitPassword = string(pwd)
		}
		return cli.lockdown(opts)
	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *tokenUser == "" {
			tokenCmd.Usage()
			return errHelp
		}
		return cli.token(*tokenUser, *tokenUsername, *tokenEmail, *tokenRole)
	default:
		cli.printUsage()
		return errHelp
	}
}

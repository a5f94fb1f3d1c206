package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/lockdown"
)

type lockdownOptions struct {
	examID       string
	title        string
	baseURL      string
	out          string
	allow        []string
	reload       bool
	quitPassword string
}

func (cli *commandLine) lockdown(opts lockdownOptions) error {
	if !core.IsIdentifier(opts.examID) {
		return errors.Errorf("invalid exam id %q", opts.examID)
	}
	title := core.CleanString(opts.title)
	if title == "" {
		title = "Exam " + opts.examID
	}

	data, err := lockdown.Encode(title, opts.examID, lockdown.Settings{
		AllowQuit:    opts.quitPassword != "",
		QuitPassword: opts.quitPassword,
		AllowedURLs:  opts.allow,
		AllowReload:  opts.reload,
	}, opts.baseURL)
	if err != nil {
		return errors.Wrap(err, "encoding lockdown configuration")
	}

	path := opts.out
	if path == "" {
		path = lockdown.Filename(title, opts.examID)
	}
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "writing lockdown configuration")
	}
	fmt.Fprintf(cli.out, "wrote %s\n", path)
	return nil
}

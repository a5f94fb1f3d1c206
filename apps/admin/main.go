package main

import (
	"log"
	"os"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/storage/database"
)

var logger *log.Logger

func main() {
	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	conf := core.NewConfig()

	// start CLI
	cli := commandLine{conf: conf, out: os.Stdout}

	// set up DB
	if conf.Database.Engine != database.Memory {
		db, err := database.Open(conf)
		errAndDie(err)
		defer db.Close()
		cli.db = db
	}

	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}

package main

import (
	"log"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/user"
	apisvc "github.com/trezcool/masomo-portal/services/api"
	logsvc "github.com/trezcool/masomo-portal/services/logger"
	filedb "github.com/trezcool/masomo-portal/storage/database/file"
)

// statePath is where the CLI keeps its credential and profile between runs.
// PORTALCTL_STATE overrides it.
func statePath() string {
	if p := os.Getenv("PORTALCTL_STATE"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "masomo", "portalctl.json")
}

func main() {
	conf := core.NewConfig()
	if err := conf.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := logsvc.NewRollbarLogger(log.New(os.Stderr, "PORTALCTL : ", log.LstdFlags|log.Lshortfile), conf)
	logger.Enable(!conf.Debug)
	defer logger.Close()

	db, err := filedb.Open(statePath())
	if err != nil {
		logger.Fatal("opening state file", err)
	}

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	cli := newCommandLine(cliDeps{
		Conf:       conf,
		Logger:     logger,
		DB:         db,
		API:        apisvc.NewClient(conf.API.BaseURL, nil, conf.API.Timeout),
		Validate:   validate,
		Translator: translator,
		Out:        os.Stdout,
		In:         os.Stdin,
	})
	err = cli.run(os.Args)
	cli.close()
	if err != nil {
		if err != errHelp {
			log.New(os.Stderr, "", 0).Printf("error: %s", err)
		}
		logger.Close()
		os.Exit(1)
	}
}

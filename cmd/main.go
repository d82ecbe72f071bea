package main

import (
	"os"
	"runtime/debug"

	"github.com/urfave/cli"

	"github.com/p4edit/go-tablectl/internal/logger"
	"github.com/p4edit/go-tablectl/pkg/factory"
	"github.com/p4edit/go-tablectl/pkg/service"
)

func main() {
	defer func() {
		if p := recover(); p != nil {
			// Print stack for panic to log. Fatalf() will let program exit.
			logger.MainLog.Fatalf("panic: %v\n%s", p, string(debug.Stack()))
		}
	}()

	app := cli.NewApp()
	app.Name = "tablectl"
	app.Usage = "Match-action table control plane for P4 switches"
	app.Action = action
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "Load configuration from `FILE`",
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.MainLog.Fatalf("tablectl run: %v", err)
	}
}

func action(cliCtx *cli.Context) error {
	cfg, err := factory.ReadConfig(cliCtx.String("config"))
	if err != nil {
		return err
	}
	logger.MainLog.Infof("tablectl version %s", factory.TablectlVersion)
	cfg.Print()

	tablectl, err := service.NewApp(cfg)
	if err != nil {
		return err
	}
	return tablectl.Run()
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"moneybot/config"
	"moneybot/internal/container"
	"moneybot/storage"
)

var (
	configPath string
	dbPath     string
)

func main() {
	app := cli.NewApp()
	app.Name = "moneybot"
	app.Usage = "simulated market-making backend with order book, risk and portfolio accounting"
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Value:       "configs/moneybot.yaml",
			Usage:       "path to the YAML config file",
			EnvVars:     []string{"MONEYBOT_CONFIG"},
			Destination: &configPath,
		},
	}
	app.Commands = []*cli.Command{
		runCommand,
		validateCommand,
		ticksCommand,
		tradesCommand,
		candlesCommand,
		snapshotsCommand,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "start the engine, mock exchange and HTTP API until interrupted",
	Action: func(c *cli.Context) error {
		ctr, err := container.New(configPath)
		if err != nil {
			return err
		}
		if err := ctr.Build(); err != nil {
			return err
		}
		if err := ctr.Start(c.Context); err != nil {
			return err
		}
		ctr.Logger().Info("moneybot running",
			zap.String("config", configPath),
			zap.String("api", ctr.Config().Server.Addr))
		<-c.Context.Done()
		ctr.Logger().Info("shutdown signal received")
		return ctr.Stop()
	},
}

var validateCommand = &cli.Command{
	Name:  "validate",
	Usage: "load and validate the config file",
	Action: func(c *cli.Context) error {
		cfg, err := config.LoadWithEnvOverrides(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "config OK: env=%s symbols=%d strategies=%d\n",
			cfg.Env, len(cfg.Exchange.Symbols), len(cfg.Strategies))
		return nil
	},
}

var queryFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "db",
		Usage:       "sqlite database path, defaults to storage.path from the config",
		Destination: &dbPath,
	},
	&cli.IntFlag{
		Name:  "limit",
		Value: 20,
		Usage: "maximum rows to print, 0 for all",
	},
}

var ticksCommand = &cli.Command{
	Name:      "ticks",
	Usage:     "print stored top-of-book ticks for a symbol",
	ArgsUsage: "<symbol>",
	Flags:     queryFlags,
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowSubcommandHelp(c)
		}
		return withStore(c, func(ctx context.Context, st *storage.Store) (interface{}, error) {
			return st.Ticks(ctx, c.Args().First(), c.Int("limit"))
		})
	},
}

var tradesCommand = &cli.Command{
	Name:      "trades",
	Usage:     "print stored public trades for a symbol",
	ArgsUsage: "<symbol>",
	Flags:     queryFlags,
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowSubcommandHelp(c)
		}
		return withStore(c, func(ctx context.Context, st *storage.Store) (interface{}, error) {
			return st.Trades(ctx, c.Args().First(), c.Int("limit"))
		})
	},
}

var candlesCommand = &cli.Command{
	Name:      "candles",
	Usage:     "print stored candles for a symbol",
	ArgsUsage: "<symbol>",
	Flags: append([]cli.Flag{
		&cli.DurationFlag{
			Name:  "interval",
			Value: time.Minute,
			Usage: "candle interval",
		},
	}, queryFlags...),
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowSubcommandHelp(c)
		}
		return withStore(c, func(ctx context.Context, st *storage.Store) (interface{}, error) {
			return st.Candles(ctx, c.Args().First(), c.Duration("interval"), c.Int("limit"))
		})
	},
}

var snapshotsCommand = &cli.Command{
	Name:  "snapshots",
	Usage: "print stored portfolio snapshots",
	Flags: queryFlags,
	Action: func(c *cli.Context) error {
		return withStore(c, func(ctx context.Context, st *storage.Store) (interface{}, error) {
			return st.Snapshots(ctx, c.Int("limit"))
		})
	},
}

func withStore(c *cli.Context, query func(ctx context.Context, st *storage.Store) (interface{}, error)) error {
	path := dbPath
	if path == "" {
		cfg, err := config.LoadWithEnvOverrides(configPath)
		if err != nil {
			return err
		}
		path = cfg.Storage.Path
	}
	st, err := storage.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()
	rows, err := query(ctx, st)
	if err != nil {
		return err
	}
	return jsonOutput(c, rows)
}

func jsonOutput(c *cli.Context, in interface{}) error {
	j, err := json.MarshalIndent(in, "", " ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, string(j))
	return err
}

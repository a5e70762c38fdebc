// udpchatd is the UDPChat server daemon.
//
// Configuration comes from the environment (optionally via a .env file).
// The daemon speaks the
// encrypted UDP chat protocol on BIND_ADDR and, when METRICS_ADDR is set,
// exposes Prometheus metrics over HTTP.
//
// Usage:
//
//	udpchatd init_db    create the database schema (idempotent)
//	udpchatd start      run the server until SIGINT/SIGTERM
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/udpchat/udpchat/pkg/metrics"
	"github.com/udpchat/udpchat/pkg/server"
	"github.com/udpchat/udpchat/pkg/store"
)

const version = "1.0.0"

func udpchatApp() *cli.App {
	app := cli.NewApp()
	app.Name = "udpchatd"
	app.Usage = "secure UDP group chat server"
	app.Version = version
	app.Commands = []cli.Command{
		{
			Name:   "init_db",
			Usage:  "create the database schema (idempotent)",
			Action: func(*cli.Context) error { return initDB() },
		},
		{
			Name:   "start",
			Usage:  "run the server until interrupted",
			Action: func(*cli.Context) error { return start() },
		},
	}
	return app
}

func initDB() error {
	cfg, err := server.ConfigFromEnv()
	if err != nil {
		return err
	}
	if cfg.DBURL == "" {
		return errors.New("init_db requires DB_URL")
	}
	db, err := store.OpenPostgres(cfg.DBURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.InitSchema(); err != nil {
		return err
	}
	fmt.Println("schema ready")
	return nil
}

func start() error {
	cfg, err := server.ConfigFromEnv()
	if err != nil {
		return err
	}

	var st store.Store
	if cfg.DBURL == "" {
		st = store.NewMemoryStore()
	} else {
		pg, err := store.OpenPostgres(cfg.DBURL)
		if err != nil {
			return err
		}
		st = pg
	}

	srv, err := server.New(cfg, st, metrics.New())
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	go func() {
		if err := srv.ServeMetrics(); err != nil {
			fmt.Fprintf(os.Stderr, "metrics endpoint failed: %v\n", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	srv.Stop()
	return nil
}

func main() {
	if err := udpchatApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

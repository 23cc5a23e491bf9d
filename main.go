package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flock "github.com/putto11262002/flock/app"
)

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml")
	envFile := flag.String("env", ".env", "dotenv file to load before reading the environment")
	staticDir := flag.String("static", "", "directory of a built web client to serve from /")
	flag.Parse()

	if err := flock.LoadDotEnv(*envFile); err != nil {
		failed(1, "failed to load env file: %v\n", err)
	}
	config, err := flock.LoadConfig(*configDir)
	if err != nil {
		failed(1, "failed to load config: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	var opts []flock.Option
	if *staticDir != "" {
		staticFS, err := flock.NewStaticFS(os.DirFS(*staticDir), "index.html", flock.DefaultCacheControl)
		if err != nil {
			failed(1, "failed to load static files: %v\n", err)
		}
		opts = append(opts, flock.WithStaticFS(staticFS))
	}

	app, err := flock.New(ctx, config, opts...)
	if err != nil {
		failed(1, "%v\n", err)
	}
	if err := app.Run(); err != nil {
		failed(1, "%v\n", err)
	}
}

func failed(code int, s string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, s, args...)
	os.Exit(code)
}

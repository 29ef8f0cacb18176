package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/daemon"
	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"
)

func main() {
	configFlag := flag.String("config", config.DefaultPath, "path to chatd.toml")
	levelFlag := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	level, err := zapcore.ParseLevel(*levelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg, LogLevel: level}),
	)

	app.Run()
}

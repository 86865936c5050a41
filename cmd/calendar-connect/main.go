package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/raine/calendar-connect/config"
)

const usage = `
	Usage: calendar-connect <command> [flags]

	Commands:
	  connect      Sign in with Google and store calendar tokens
	  status       Show the connection status
	  token        Print a valid access token
	  reconnect    Restore the connection without signing in, if possible
	  disconnect   Remove stored tokens
	  watch        Keep the token fresh and print status changes

	Configuration is read from the environment and from
	%s.
`

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	config.LoadEnvFile()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, formatText(usage, configPath()))
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load config: %v", err)
	}

	closeLog := setupLogging(cfg)
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, command, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Error().Err(err).Str("command", command).Msg("command failed")
		cancel()
		os.Exit(1)
	}
}

func setupLogging(cfg config.Config) func() {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.LogFile == "" {
		log.Logger = log.Output(consoleWriter)
		return func() {}
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		fatal("failed to open log file: %v", err)
	}
	fileWriter := zerolog.ConsoleWriter{Out: logFile, NoColor: true}
	log.Logger = log.Output(io.MultiWriter(consoleWriter, fileWriter))
	log.Debug().Str("logFile", cfg.LogFile).Msg("logging to file")
	return func() { logFile.Close() }
}

func fatal(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", a...)
	os.Exit(1)
}

// Command runtime-bridge serves the container runtime protocol on stdin and
// stdout, one JSON request or response per line. It talks to a Docker
// compatible engine API such as the podman system service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"faas-executor/internal/adapters/bridge"
	"faas-executor/internal/adapters/docker"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type flags struct {
	host      string
	pidsLimit int64
	logLevel  string
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "runtime-bridge",
		Short:         "Serve container runtime requests over stdio",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.host, "host", "", "engine endpoint, defaults to DOCKER_HOST")
	cmd.Flags().Int64Var(&f.pidsLimit, "pids-limit", 64, "process limit applied to function containers")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level written to stderr")
	return cmd
}

func serve(ctx context.Context, f *flags) error {
	level, err := zerolog.ParseLevel(f.logLevel)
	if err != nil {
		return err
	}
	// stdout carries the protocol, so logs go to stderr.
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().
		Str("svc", "runtime-bridge").Logger()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := docker.New(docker.Config{Host: f.host, PidsLimit: f.pidsLimit}, log)
	if err != nil {
		log.Error().Err(err).Msg("engine client init")
		return err
	}
	defer rt.Close()

	log.Info().Str("host", f.host).Msg("bridge serving")
	if err := bridge.NewServer(rt, log).Serve(ctx, os.Stdin, os.Stdout); err != nil {
		log.Error().Err(err).Msg("bridge stopped")
		return err
	}
	return nil
}

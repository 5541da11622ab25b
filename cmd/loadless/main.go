package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/itzg/go-flagsfiller"
	"github.com/sirupsen/logrus"

	"github.com/loadless/loadless-proxy/server"
)

type CliConfig struct {
	Version bool `usage:"Output version and exit"`
	Debug   bool `usage:"Enable debug logs"`
	Trace   bool `usage:"Enable trace logs"`
	LogJson bool `usage:"Output logs as JSON lines"`
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func showVersion() {
	fmt.Printf("%v, commit %v, built at %v\n", version, commit, date)
}

func main() {
	var cliConfig CliConfig
	var serverConfig server.Config
	filler := flagsfiller.New(flagsfiller.WithEnv(""))
	if err := filler.Fill(flag.CommandLine, &cliConfig); err != nil {
		logrus.WithError(err).Fatal("Unable to setup command line flags")
	}
	if err := filler.Fill(flag.CommandLine, &serverConfig); err != nil {
		logrus.WithError(err).Fatal("Unable to setup server flags")
	}
	flag.Parse()

	if cliConfig.Version {
		showVersion()
		os.Exit(0)
	}

	if cliConfig.LogJson {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	if cliConfig.Trace {
		logrus.SetLevel(logrus.TraceLevel)
	} else if cliConfig.Debug {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.Debug("Debug logs enabled")
	}

	if serverConfig.CpuProfile != "" {
		cpuProfileFile, err := os.Create(serverConfig.CpuProfile)
		if err != nil {
			logrus.WithError(err).Fatal("trying to create cpu profile file")
		}
		//goland:noinspection GoUnhandledErrorResult
		defer cpuProfileFile.Close()

		logrus.WithField("file", serverConfig.CpuProfile).Info("Starting cpu profiling")
		if err := pprof.StartCPUProfile(cpuProfileFile); err != nil {
			logrus.WithError(err).Fatal("trying to start cpu profile")
		}
		defer pprof.StopCPUProfile()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := server.NewServer(ctx, &serverConfig)
	if err != nil {
		logrus.WithError(err).Fatal("Could not setup server")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range signals {
			switch sig {
			case syscall.SIGHUP:
				logrus.Info("Received SIGHUP, reloading settings")
				s.ReloadConfig()
			default:
				logrus.WithField("signal", sig).Info("Stopping")
				cancel()
				return
			}
		}
	}()

	logrus.WithField("version", version).Info("Starting loadless proxy")
	if err := s.Run(); err != nil {
		pprof.StopCPUProfile()
		logrus.WithError(err).Fatal("Server failed")
	}
}

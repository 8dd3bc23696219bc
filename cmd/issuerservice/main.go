package main

import (
	"context"
	"expvar"
	"os"
	"os/signal"
	"syscall"

	"github.com/ardanlabs/conf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openvci/issuer-service/config"
	"github.com/openvci/issuer-service/pkg/server"
)

func main() {
	logrus.Info("Starting up...")

	if err := run(); err != nil {
		logrus.Fatalf("main: error: %s", err.Error())
	}
}

// startup and shutdown logic
func run() error {
	configPath := config.DefaultConfigPath
	if envConfigPath, present := os.LookupEnv(config.ConfigPathEnvVar); present {
		logrus.Infof("loading config from env var path: %s", envConfigPath)
		configPath = envConfigPath
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	if cfg == nil {
		// help or version output was requested
		return nil
	}

	configureLogger(cfg.Server.LogLevel)

	expvar.NewString("build").Set(cfg.Version.SVN)
	logrus.Infof("main: Started : Service initializing : env [%s] : version %q", cfg.Server.Environment, cfg.Version.SVN)
	defer logrus.Info("main: Completed")

	out, err := conf.String(cfg)
	if err != nil {
		return errors.Wrap(err, "serializing config")
	}
	logrus.Infof("main: Config: \n%v\n", out)

	// buffer of 1 to ignore any additional ctrl+c spamming
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	issuerServer, err := server.NewIssuerServer(shutdown, *cfg)
	if err != nil {
		return errors.Wrap(err, "starting http services")
	}

	serverErrors := make(chan error, 1)
	go func() {
		logrus.Infof("main: server started and listening on -> %s", issuerServer.Server.Addr)
		serverErrors <- issuerServer.ListenAndServe()
	}()

	select {
	case err = <-serverErrors:
		return errors.Wrap(err, "server error")
	case sig := <-shutdown:
		logrus.Infof("main: shutdown signal received -> %v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err = issuerServer.Shutdown(ctx); err != nil {
			logrus.WithError(err).Error("main: failed to stop server gracefully, forcing shutdown")
			if err = issuerServer.Server.Close(); err != nil {
				return errors.Wrap(err, "closing server")
			}
		}
		if err = issuerServer.IssuerService.Close(); err != nil {
			logrus.WithError(err).Error("main: failed to close storage")
		}
	}

	return nil
}

func configureLogger(level string) {
	if level != "" {
		logLevel, err := logrus.ParseLevel(level)
		if err != nil {
			logrus.WithError(err).Errorf("could not parse log level<%s>, setting to info", level)
			logLevel = logrus.InfoLevel
		}
		logrus.SetLevel(logLevel)
	}

	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetReportCaller(true)
}

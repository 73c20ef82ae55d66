package main

import (
	"context"
	"os"

	"github.com/evalphobia/logrus_sentry"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/collabhub/internal/auth"
	"github.com/Tyrowin/collabhub/internal/server"
)

func main() {
	config := server.LoadConfig("collabhub.toml")

	// configure our logger
	logrus.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level '%s'", config.LogLevel)
	}
	logrus.SetLevel(level)

	// if we have a DSN entry, try to initialize it
	if config.SentryDSN != "" {
		hook, err := logrus_sentry.NewSentryHook(config.SentryDSN, []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel})
		if err != nil {
			logrus.Fatalf("Invalid sentry DSN: '%s': %s", config.SentryDSN, err)
		}
		hook.Timeout = 0
		hook.StacktraceConfiguration.Enable = true
		hook.StacktraceConfiguration.Skip = 4
		hook.StacktraceConfiguration.Context = 5
		logrus.StandardLogger().Hooks.Add(hook)
	}

	log := logrus.WithField("comp", "main")
	if err := config.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	notifier := server.NopNotifier()
	if config.RedisURL != "" {
		redisNotifier, err := server.NewRedisNotifier(context.Background(), config.RedisURL, config.RedisChannel)
		if err != nil {
			log.WithError(err).Fatal("unable to start event notifier")
		}
		notifier = redisNotifier
	}

	hub := server.NewHub(config, server.WithNotifier(notifier))
	go hub.Run()

	handlers := server.NewHandlers(hub, config, auth.NewResolver(config.JWTSecret))
	httpServer := server.CreateServer(config.ListenAddr(), server.SetupRoutes(handlers))
	if err := server.StartServer(httpServer); err != nil {
		log.WithError(err).Fatal("error starting server")
	}
	log.WithField("version", config.Version).Info("collabhub started")

	// the hub closes every socket before the listener goes away
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		config.ShutdownDuration()*2,
		map[string]gfshutdown.Operation{
			"collabhub": func(ctx context.Context) error {
				log.Info("graceful shutdown initiated")
				if err := hub.Shutdown(config.ShutdownDuration()); err != nil {
					log.WithError(err).Warn("hub did not drain in time")
				}
				if err := server.ShutdownServer(httpServer, config.ShutdownDuration()); err != nil {
					return err
				}
				return notifier.Close()
			},
		},
	)

	exitCode := <-wait
	log.WithField("exit_code", exitCode).Info("collabhub stopped")
	os.Exit(exitCode)
}

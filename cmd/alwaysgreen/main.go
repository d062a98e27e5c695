package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alwaysgreen/go-teams-keepalive/credentials"
	"github.com/alwaysgreen/go-teams-keepalive/internal/config"
	"github.com/alwaysgreen/go-teams-keepalive/keepalive"
	"github.com/alwaysgreen/go-teams-keepalive/msauth"
	"github.com/alwaysgreen/go-teams-keepalive/presence"
	"github.com/alwaysgreen/go-teams-keepalive/session"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("keep-alive stopped")
	}
	log.Info().Msg("keep-alive stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	// A missing .env file just means the environment is already populated.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	setupLogging(cfg)
	displayAppname(cfg.GetAppName())

	httpClient := &http.Client{Timeout: cfg.GetRequestTimeout()}
	authenticator := msauth.New(msauth.WithHTTPClient(httpClient))

	supplier := credentials.NewEnvSupplier(authenticator)
	cred, err := supplier.Credential(context.Background())
	if err != nil {
		return errors.Wrap(err, "read credential")
	}
	log.Info().Str("email", cred.Email).Str("account_type", string(cred.AccountType)).Msg("credential loaded")

	guardian, err := session.NewGuardian(authenticator, cred,
		session.WithSafetyMargin(cfg.GetSafetyMargin()),
		session.WithLogger(log.Logger),
	)
	if err != nil {
		return errors.Wrap(err, "build session guardian")
	}

	actuator := presence.New(cfg,
		presence.WithHTTPClient(httpClient),
		presence.WithLogger(log.Logger),
	)

	scheduler, err := keepalive.NewScheduler(guardian, actuator, cfg, keepalive.WithLogger(log.Logger))
	if err != nil {
		return errors.Wrap(err, "build scheduler")
	}
	if err := scheduler.Start(); err != nil {
		return errors.Wrap(err, "start scheduler")
	}

	halted := waitForStop(scheduler)

	scheduler.Stop()
	<-scheduler.Done()

	// A self-halt means the credential can never succeed; exit non-zero so
	// supervisors do not treat it as a clean shutdown.
	if halted {
		if fatal := guardian.FatalError(); fatal != nil {
			return errors.Wrap(fatal, "authentication permanently failed")
		}
		return errors.New("keep-alive loop halted unexpectedly")
	}
	return nil
}

// waitForStop blocks until the operator signals shutdown or the scheduler
// halts itself on a fatal authentication failure, reporting which occurred.
func waitForStop(scheduler *keepalive.Scheduler) bool {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("stop signal received")
		return false
	case <-scheduler.Done():
		return true
	}
}

func loadConfig() (config.Config, error) {
	base := config.New()
	if path := base.GetConfigFile(); path != "" {
		return config.NewFromFile(path)
	}
	return base, nil
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.GetLogLevel()))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}

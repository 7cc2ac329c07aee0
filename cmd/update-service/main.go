package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kioskbox/update-service/internal/config"
	"github.com/kioskbox/update-service/internal/metrics"
	"github.com/kioskbox/update-service/internal/notify"
	"github.com/kioskbox/update-service/internal/release"
	"github.com/kioskbox/update-service/internal/server"
	"github.com/kioskbox/update-service/internal/update"
	"github.com/kioskbox/update-service/internal/version"
)

var buildVersion = "dev"

func setupLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return log
}

func run(log *logrus.Logger) error {
	log.Println("loading configuration...")
	cfg, err := config.NewServerConfigFromEnv()
	if err != nil {
		return err
	}
	cfg.Version = buildVersion
	log.Printf("kiosk update service %s (stage: %s)", cfg.Version, cfg.Stage)

	if !cfg.DisableMetrics {
		if err := metrics.Register(); err != nil {
			return err
		}
	}

	store := version.NewStore(cfg.VersionFilePath)
	log.Printf("current version: %s (marker: %s)", store.Current(), store.Path())

	log.Println("setting up GitHub client...")
	comparator := release.NewComparator(log, cfg.CreateGitHubClient(), cfg.RepositoryOwner, cfg.RepositoryName, cfg.CheckCacheTTL)

	hub := notify.NewHub(log)
	tracker := update.NewTracker(func(st update.State) {
		hub.Broadcast(notify.NewStatusMessage(st))
	})
	tracker.SetSuccessResetDelay(cfg.SuccessResetDelay)

	supervisor := update.NewSupervisor(log, tracker, cfg.UpdateScriptPath, cfg.UpdateTimeout, cfg.UpdateStallWindow, !cfg.IsProduction())
	supervisor.OnSuccess = func(newVersion string) {
		if err := store.Write(newVersion); err != nil {
			log.Errorf("could not record new version %s: %v", newVersion, err)
		}
		comparator.ClearCache()
	}

	log.Println("starting server...")
	srv := &http.Server{
		Addr:    cfg.GetServerAddr(),
		Handler: server.New(log, cfg, comparator, store, tracker, supervisor, hub),
	}
	go func() {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error(err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	log.Println("stopping server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); errors.Is(err, context.DeadlineExceeded) {
		log.Println("closing server...")
		if closeErr := srv.Close(); closeErr != nil {
			return closeErr
		}
	} else if err != nil {
		return err
	}
	log.Println("server stopped!")
	return nil
}

func main() {
	log := setupLogger()
	if err := run(log); err != nil {
		log.Fatal(err)
	}
}

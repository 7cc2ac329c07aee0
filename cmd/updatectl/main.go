package main

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kioskbox/update-service/pkg/client"
)

var version = "dev"

const defaultServiceURL = "http://127.0.0.1:8080"

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cmd := &cobra.Command{
		Use:     "updatectl",
		Short:   "Control the kiosk update service",
		Version: version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	cmd.PersistentFlags().StringP("service-url", "s", defaultServiceURL, "the update service URL")
	cmd.PersistentFlags().SortFlags = false

	cmd.AddCommand(newCheckCmd(log), newStatusCmd(log), newExecuteCmd(log), newWatchCmd(log))

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func newClient(cmd *cobra.Command) *client.Client {
	return client.New(must(cmd.Flags().GetString("service-url")))
}

func newCheckCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check whether a newer build exists upstream",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			res, err := newClient(cmd).CheckForUpdates(cmd.Context())
			if err != nil {
				log.Fatalf("check failed: %v", err)
			}
			if !res.UpdateAvailable {
				log.Infof("up to date (current: %s, latest: %s)", res.CurrentVersion, res.LatestVersion)
				return
			}
			log.Infof("update available: %s -> %s (%s)", res.CurrentVersion, res.LatestVersion, res.UpdateInfo.ComparisonMethod)
		},
	}
}

func newStatusCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current update status",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			st, err := newClient(cmd).UpdateStatus(cmd.Context())
			if err != nil {
				log.Fatalf("status failed: %v", err)
			}
			printStatus(log, *st)
		},
	}
}

func newExecuteCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Trigger an update and optionally follow it through the restart",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			c := newClient(cmd)
			res, err := c.ExecuteUpdate(cmd.Context())
			if err != nil {
				log.Fatalf("execute failed: %v", err)
			}
			log.Infof("%s: %s -> %s", res.Message, res.CurrentVersion, res.LatestVersion)
			if must(cmd.Flags().GetBool("watch")) {
				watch(cmd.Context(), log, c)
			}
		},
	}
	cmd.Flags().Bool("watch", true, "follow the update through completion")
	return cmd
}

func newWatchCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow update progress over the live channel",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			watch(cmd.Context(), log, newClient(cmd))
		},
	}
}

func printStatus(log *logrus.Logger, st client.UpdateStatus) {
	entry := log.WithFields(logrus.Fields{
		"status":   st.Status,
		"progress": st.Progress,
	})
	switch st.Status {
	case "error":
		entry.Errorf("%s: %s", st.Message, st.Error)
		if st.Troubleshooting != nil {
			for _, action := range st.Troubleshooting.SuggestedActions {
				log.Warnf("  - %s", action)
			}
		}
	default:
		entry.Info(st.Message)
	}
}

func watch(ctx context.Context, log *logrus.Logger, c *client.Client) {
	cfg := client.DefaultWatcherConfig()
	w := client.NewWatcher(log, c, cfg)
	w.OnStatus = func(st client.UpdateStatus) {
		printStatus(log, st)
	}
	w.OnStateChange = func(state client.ConnState, attempt int) {
		if state == client.StateReconnecting {
			log.Infof("reconnecting (attempt %d/%d)...", attempt, cfg.MaxReconnectAttempts)
		}
	}
	w.OnReload = func() {
		log.Info("service restarted, refresh the kiosk UI")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Hour)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		log.Fatalf("watch failed: %v", err)
	}
}

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// ConnState is the watcher's connection state. Reconnection is an explicit
// state machine so attempt counts and give-up behavior are observable.
type ConnState int

const (
	StateConnected ConnState = iota
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrReconnectGaveUp is returned when the bounded reconnect attempts are
// exhausted; the caller should fall back to a manual refresh.
var ErrReconnectGaveUp = fmt.Errorf("gave up reconnecting to the update service")

// WatcherConfig bounds the reconnect cycle and the post-success reload.
type WatcherConfig struct {
	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	ReloadCountdown      time.Duration
	HealthPollInterval   time.Duration
}

func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		MaxReconnectAttempts: 10,
		InitialBackoff:       time.Second,
		MaxBackoff:           30 * time.Second,
		ReloadCountdown:      3 * time.Second,
		HealthPollInterval:   time.Second,
	}
}

// Watcher follows an update episode over the live channel, survives the
// service's own restart by reconnecting with bounded exponential backoff, and
// confirms the replacement process is live before signalling a reload.
type Watcher struct {
	log    *logrus.Logger
	client *Client
	cfg    WatcherConfig

	// OnStatus receives every update status observed, via channel or poll.
	OnStatus func(UpdateStatus)
	// OnStateChange receives connection state transitions; attempt is the
	// reconnect attempt number, zero when connected.
	OnStateChange func(state ConnState, attempt int)
	// OnReload fires once the replacement service answers its health check.
	OnReload func()

	expectShutdown bool
}

func NewWatcher(log *logrus.Logger, c *Client, cfg WatcherConfig) *Watcher {
	return &Watcher{log: log, client: c, cfg: cfg}
}

func (w *Watcher) wsURL() (string, error) {
	u, err := url.Parse(w.client.ServiceURL())
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (w *Watcher) setState(state ConnState, attempt int) {
	if w.OnStateChange != nil {
		w.OnStateChange(state, attempt)
	}
}

func (w *Watcher) emitStatus(st UpdateStatus) {
	if w.OnStatus != nil {
		w.OnStatus(st)
	}
}

// Run follows the live channel until a terminal update status is observed or
// the reconnect bound is exhausted. It returns nil after a completed reload
// cycle, the terminal error status otherwise.
func (w *Watcher) Run(ctx context.Context) error {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     w.cfg.InitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         w.cfg.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	attempt := 0

	for {
		connected, done, err := w.followChannel(ctx)
		if done || err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// Only a (re)established channel clears the attempt budget. A
			// reachable REST surface with a broken channel must still run
			// out of attempts and fail.
			attempt = 0
			bo.Reset()
		}

		// Channel lost. During the announced restart window this is
		// expected; either way reconnect on backoff up to the bound.
		attempt++
		if attempt > w.cfg.MaxReconnectAttempts {
			w.setState(StateFailed, attempt)
			return ErrReconnectGaveUp
		}
		w.setState(StateReconnecting, attempt)
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			w.setState(StateFailed, attempt)
			return ErrReconnectGaveUp
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		// Reconcile missed transitions before (re)subscribing; the terminal
		// transition may have happened while we were disconnected.
		if st, pollErr := w.client.UpdateStatus(ctx); pollErr == nil {
			w.emitStatus(*st)
			switch st.Status {
			case "success":
				return w.awaitReload(ctx)
			case "error":
				return fmt.Errorf("update failed: %s", st.Error)
			}
		}
	}
}

type envelope struct {
	Type string `json:"type"`

	// updateStatus fields
	Status          string           `json:"status"`
	Message         string           `json:"message"`
	Progress        int              `json:"progress"`
	Timestamp       time.Time        `json:"timestamp"`
	Error           string           `json:"error"`
	Troubleshooting *Troubleshooting `json:"troubleshooting"`

	// serverShutdown fields
	ExpectedDowntime      int    `json:"expectedDowntime"`
	ReconnectInstructions string `json:"reconnectInstructions"`
}

// followChannel subscribes to the live channel and consumes envelopes until
// the connection drops or a terminal status arrives. connected reports whether
// the subscription was established at all; done is true when the watcher
// finished (reload cycle or terminal error handled by caller via err).
func (w *Watcher) followChannel(ctx context.Context) (connected, done bool, err error) {
	wsURL, err := w.wsURL()
	if err != nil {
		return false, true, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return false, false, nil
	}
	defer conn.Close()
	w.setState(StateConnected, 0)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, true, ctx.Err()
			}
			if w.expectShutdown {
				w.log.Info("live channel closed for service restart")
			} else {
				w.log.Warnf("live channel lost: %v", err)
			}
			return true, false, nil
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			w.log.Debugf("ignoring malformed envelope: %v", err)
			continue
		}
		switch env.Type {
		case "serverShutdown":
			w.expectShutdown = true
			w.log.Infof("service restart announced, expected downtime %ds", env.ExpectedDowntime)
		case "updateStatus":
			w.emitStatus(UpdateStatus{
				Success:         true,
				Status:          env.Status,
				Message:         env.Message,
				Progress:        env.Progress,
				Timestamp:       env.Timestamp,
				Error:           env.Error,
				Troubleshooting: env.Troubleshooting,
			})
			switch env.Status {
			case "success":
				return true, true, w.awaitReload(ctx)
			case "error":
				return true, true, fmt.Errorf("update failed: %s", env.Error)
			}
		}
	}
}

// awaitReload masks the race between the script reporting success and the
// replacement process accepting connections: fixed countdown, then health
// polls until one answers, then the reload signal.
func (w *Watcher) awaitReload(ctx context.Context) error {
	w.log.Infof("update succeeded, reloading in %s", w.cfg.ReloadCountdown)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.cfg.ReloadCountdown):
	}

	healthURL, err := url.JoinPath(w.client.ServiceURL(), "health")
	if err != nil {
		return err
	}
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	retryClient.RetryMax = 0
	retryClient.HTTPClient.Timeout = 5 * time.Second

	ticker := time.NewTicker(w.cfg.HealthPollInterval)
	defer ticker.Stop()
	for {
		req, err := retryablehttp.NewRequestWithContext(ctx, "GET", healthURL, nil)
		if err != nil {
			return err
		}
		if resp, err := retryClient.Do(req); err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == 200 {
				w.log.Info("service is back up")
				if w.OnReload != nil {
					w.OnReload()
				}
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Package daemon composes the realtime core into an fx application:
// one relay session, the presence/delivery trackers, the call
// negotiator and the coordinator, wired through a shared bus.
package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/bazarapp/rtc/internal/bus"
	"github.com/bazarapp/rtc/internal/call"
	"github.com/bazarapp/rtc/internal/config"
	"github.com/bazarapp/rtc/internal/coordinator"
	"github.com/bazarapp/rtc/internal/delivery"
	"github.com/bazarapp/rtc/internal/lock"
	"github.com/bazarapp/rtc/internal/logging"
	"github.com/bazarapp/rtc/internal/presence"
	"github.com/bazarapp/rtc/internal/profile"
	"github.com/bazarapp/rtc/internal/relay"
)

// TokenEnv is the environment variable holding the relay auth token.
const TokenEnv = "RTC_TOKEN"

// Params holds the resolved invocation parameters passed to the fx module.
type Params struct {
	Profile string
	UserID  string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideRelay,
			providePresence,
			provideDelivery,
			provideNegotiator,
			provideCoordinator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(profile.ConfigPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", zap.String("relay_url", cfg.RelayURL))
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideRelay(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *relay.Session {
	return relay.NewSession(relay.Options{
		URL: cfg.RelayURL,
		Token: func() (string, bool) {
			token := os.Getenv(TokenEnv)
			return token, token != ""
		},
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectBackoff:  cfg.ReconnectBackoff(),
	}, b, logger)
}

func providePresence(p Params, cfg *config.Config, sess *relay.Session, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(p.UserID, cfg.ActivityDecay(), sess, b, logger)
}

func provideDelivery(p Params, sess *relay.Session, b *bus.Bus, logger *zap.Logger) *delivery.Tracker {
	return delivery.NewTracker(p.UserID, sess, b, logger)
}

func provideNegotiator(p Params, cfg *config.Config, sess *relay.Session, b *bus.Bus, logger *zap.Logger) *call.Negotiator {
	factory := call.NewPeerFactory(cfg.ICEServers, logger)
	return call.NewNegotiator(p.UserID, sess, b, factory, logger)
}

func provideCoordinator(sess *relay.Session, pres *presence.Tracker, del *delivery.Tracker, b *bus.Bus, logger *zap.Logger) *coordinator.Coordinator {
	return coordinator.New(sess, pres, del, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, sess *relay.Session, pres *presence.Tracker, del *delivery.Tracker, neg *call.Negotiator, coord *coordinator.Coordinator, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Consumers first, so nothing dispatched during the initial
			// connect is missed.
			pres.Start(context.Background())
			del.Start(context.Background())
			neg.Start(context.Background())
			coord.Start(context.Background())

			go func() {
				if err := sess.Connect(context.Background()); err != nil {
					logger.Error("relay connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			neg.Stop()
			coord.Stop()
			pres.Stop()
			del.Stop()
			sess.Disconnect()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

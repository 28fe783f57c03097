package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/vrlink/boundary"
	"github.com/opd-ai/vrlink/config"
	"github.com/opd-ai/vrlink/idr"
	"github.com/opd-ai/vrlink/metrics"
	"github.com/opd-ai/vrlink/packet"
	"github.com/opd-ai/vrlink/stream"
)

// runOptions are the role-specific command flags.
type runOptions struct {
	framePeriod time.Duration
	playArea    packet.PlayArea
}

func hostCmd(flags *globalFlags) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the streaming host",
		Long: `Bind the data port, broadcast discovery until a headset answers,
and schedule keyframes for the encoder on every stream start and
reported loss.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLink(cmd.Context(), config.RoleHost, flags, opts, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().DurationVar(&opts.framePeriod, "frame-period", 11*time.Millisecond, "Encoder frame period used to poll for keyframes")

	return cmd
}

func headsetCmd(flags *globalFlags) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "headset",
		Short: "Run the headset side",
		Long: `Bind the discovery port, answer host discovery with a handshake,
and upload a standing boundary once connected when a play area is
given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLink(cmd.Context(), config.RoleHeadset, flags, opts, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().Float32Var(&opts.playArea.Width, "play-width", 0, "Standing play area width in meters")
	cmd.Flags().Float32Var(&opts.playArea.Depth, "play-depth", 0, "Standing play area depth in meters")

	return cmd
}

// loadConfig reads the configuration file, if any, and applies the role
// and command-line overrides.
func loadConfig(role config.Role, flags *globalFlags) (config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.Load(flags.configPath); err != nil {
			return config.Config{}, err
		}
	}

	cfg.Role = role
	if flags.device != "" {
		cfg.DeviceName = flags.device
	}
	if flags.passphrase != "" {
		cfg.Passphrase = flags.passphrase
	}
	if flags.adminAddr != "" {
		cfg.AdminAddr = flags.adminAddr
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	return cfg, cfg.Validate()
}

func runLink(ctx context.Context, role config.Role, flags *globalFlags, opts runOptions, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(role, flags)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	log := logger.WithFields(logrus.Fields{
		"component": "vrlinkd",
		"role":      string(role),
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	holder := config.NewHolder(cfg)

	link, err := stream.NewLink(cfg, logBoundaries(log),
		stream.WithLogger(logrus.NewEntry(logger)),
		stream.WithMetrics(metrics.New(metrics.WithRegistry(reg))),
		stream.WithConfigHolder(holder),
	)
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.AdminAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveAdmin(ctx, cfg.AdminAddr, newAdminRouter(link.Status, reg), log); err != nil {
				log.WithError(err).Error("Admin server failed")
			}
		}()
	}

	if role == config.RoleHost {
		driver, err := idr.NewDriver(link.Scheduler(), idr.EncoderFunc(func() {
			log.WithField("function", "InsertIDR").Info("Keyframe requested from encoder")
		}), opts.framePeriod)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := driver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("Keyframe driver stopped")
			}
		}()
	}

	if flags.configPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchReload(ctx, holder, flags, logger, log)
		}()
	}

	consumeEvents(ctx, link, opts, log)
	wg.Wait()
	log.Info("Shut down")
	return nil
}

// logBoundaries is the daemon's boundary provider. A compositor integration
// would apply the update here.
func logBoundaries(log *logrus.Entry) boundary.Provider {
	return boundary.ProviderFunc(func(u boundary.Update) error {
		log.WithFields(logrus.Fields{
			"function":  "PublishBoundary",
			"timestamp": u.Timestamp,
			"points":    len(u.Points),
			"standing":  u.Standing,
			"width":     u.PlayArea.Width,
			"depth":     u.PlayArea.Depth,
		}).Info("Boundary received")
		return nil
	})
}

// watchReload reloads the configuration file on SIGHUP. Only the keyframe
// interval and log level take effect on a running link.
func watchReload(ctx context.Context, holder *config.Holder, flags *globalFlags, logger *logrus.Logger, log *logrus.Entry) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := holder.Reload(flags.configPath)
			if err != nil {
				log.WithError(err).Error("Reload failed, keeping previous configuration")
				continue
			}
			if flags.logLevel == "" {
				if err := applyLogLevel(logger, cfg); err != nil {
					log.WithError(err).Warn("Ignoring log level")
				}
			}
			log.WithFields(logrus.Fields{
				"function":          "watchReload",
				"keyframe_interval": idr.MinInterval(cfg.KeyframeInterval, cfg.AggressiveKeyframeResend).String(),
			}).Info("Configuration reloaded")
		}
	}
}

// consumeEvents logs link events until ctx is done.
func consumeEvents(ctx context.Context, link *stream.Link, opts runOptions, log *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-link.Events():
			if !ok {
				return
			}
			handleEvent(link, ev, opts, log)
		}
	}
}

func handleEvent(link *stream.Link, ev stream.Event, opts runOptions, log *logrus.Entry) {
	switch ev.Kind {
	case stream.EventConnected:
		log.WithFields(logrus.Fields{
			"session": ev.Session.ID.String(),
			"peer":    ev.Session.Peer.DeviceName,
			"addr":    ev.Session.Source.String(),
		}).Info("Peer connected")
		if link.Role() == config.RoleHeadset && opts.playArea.Width > 0 && opts.playArea.Depth > 0 {
			if err := link.SendBoundary(nil, opts.playArea); err != nil {
				log.WithError(err).Error("Failed to send boundary")
			}
		}
	case stream.EventData:
		log.WithField("bytes", len(ev.Data)).Debug("Data received")
	case stream.EventStreamControl:
		log.WithField("mode", ev.Mode.String()).Info("Stream control received")
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/blukai/rorrelay/internal/broadcaster"
	"github.com/blukai/rorrelay/internal/listener"
	"github.com/blukai/rorrelay/internal/lock"
	"github.com/blukai/rorrelay/internal/messaging"
	"github.com/blukai/rorrelay/internal/notifier"
	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/blukai/rorrelay/internal/receiver"
	"github.com/blukai/rorrelay/internal/script"
	"github.com/blukai/rorrelay/internal/sequencer"
	"github.com/blukai/rorrelay/internal/spamfilter"
	"github.com/blukai/rorrelay/internal/userauth"
	"github.com/blukai/rorrelay/internal/webapi"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
	"github.com/robfig/cron"
	"golang.org/x/time/rate"
)

func configureLogger(level string) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.ParseLevel(strings.ToLower(level))
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

type component struct {
	name string
	run  func(ctx context.Context) error
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config.LogLevel)

	lock.Configure(lock.Options{
		Enabled: config.DeadlockDetection,
		Timeout: config.DeadlockTimeout,
	}, logger)

	motd, err := readMOTD(config.MOTDFile)
	if err != nil {
		return err
	}

	var resolver userauth.Resolver = userauth.Nop{}
	var fileResolver *userauth.FileResolver
	if config.AuthFile != "" {
		fileResolver, err = userauth.NewFileResolver(config.AuthFile, logger)
		if err != nil {
			return fmt.Errorf("could not load auth file: %w", err)
		}
		resolver = fileResolver
	}

	probeNetworks, err := config.probeNetworks()
	if err != nil {
		return err
	}

	traffic := messaging.NewTraffic()

	seq := sequencer.NewSequencer(sequencer.Config{
		MaxClients:       config.MaxClients,
		ServerName:       config.ServerName,
		Terrain:          config.Terrain,
		RconPasswordHash: protocol.HashPassword(config.RconPassword),
		MOTD:             motd,
		QueueLimits: broadcaster.Limits{
			Soft: config.QueueSoftLimit,
			Hard: config.QueueHardLimit,
		},
		InboundRate: receiver.RateLimit{
			FramesPerSecond: rate.Limit(config.InboundRate),
			Burst:           config.InboundBurst,
		},
		Spam: spamfilter.Config{
			MaxMessages: config.SpamMsgCount,
			Interval:    config.SpamInterval,
			Gag:         config.SpamGag,
		},
	}, messaging.NewCodec(traffic, config.ReadTimeout, config.WriteTimeout), logger)

	var sc *script.Script
	if config.ScriptFile != "" {
		sc = script.NewScript(seq, logger)
		if err := sc.LoadFile(config.ScriptFile); err != nil {
			sc.Close()
			return err
		}
		seq.SetScriptHost(sc)
		logger.Info().Msgf("loaded script %s", config.ScriptFile)
	}

	ln, err := listener.NewListener("tcp", config.ListenAddr, listener.Config{
		Terrain:             config.Terrain,
		PasswordHash:        protocol.HashPassword(config.Password),
		HandshakeTimeout:    config.HandshakeTimeout,
		MasterProbeNetworks: probeNetworks,
	}, traffic, seq, resolver, logger)
	if err != nil {
		return fmt.Errorf("could not construct listener: %w", err)
	}
	logger.Info().Msgf("started relay on %s", ln.Addr())

	components := []component{{name: "listener", run: ln.Run}}

	if sc != nil {
		components = append(components, component{
			name: "script",
			run: func(ctx context.Context) error {
				return sc.Run(ctx, config.ScriptFrameInterval)
			},
		})
	}

	if config.MasterURL != "" {
		n := notifier.NewNotifier(notifier.Config{
			URL:        config.MasterURL,
			Interval:   config.HeartbeatInterval,
			ServerName: config.ServerName,
			Terrain:    config.Terrain,
			PublicAddr: config.PublicAddr,
			MaxClients: config.MaxClients,
			Passworded: config.Password != "",
			Required:   config.MasterRequired,
		}, seq, logger)
		components = append(components, component{name: "notifier", run: n.Run})
	}

	if config.WebAddr != "" {
		web, err := webapi.NewServer(config.WebAddr, seq, logger)
		if err != nil {
			return fmt.Errorf("could not construct web api: %w", err)
		}
		logger.Info().Msgf("started web api on %s", web.Addr())
		components = append(components, component{name: "webapi", run: web.Run})
	}

	if err := seq.Start(); err != nil {
		return fmt.Errorf("could not start sequencer: %w", err)
	}

	scheduler := cron.New()
	if err := scheduler.AddFunc("@every 1m", traffic.Tick); err != nil {
		return fmt.Errorf("could not schedule traffic tick: %w", err)
	}
	if err := scheduler.AddFunc("@every 5m", seq.PrintStats); err != nil {
		return fmt.Errorf("could not schedule stats: %w", err)
	}
	scheduler.Start()

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	runErrCh := make(chan error, len(components))
	for _, c := range components {
		wg.Add(1)
		go func(c component) {
			defer wg.Done()
			if err := c.run(ctx); err != nil {
				runErrCh <- fmt.Errorf("%s run failed: %w", c.name, err)
				// one failed component brings the whole relay down
				cancel()
			}
		}(c)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

loop:
	for {
		select {
		case sig := <-signalChan:
			logger.Info().Msgf("received %+v signal", sig)
			if sig != syscall.SIGHUP {
				break loop
			}
			if fileResolver != nil {
				if err := fileResolver.Reload(); err != nil {
					logger.Error().Msgf("could not reload auth file: %v", err)
				}
			}
		case <-ctx.Done():
			break loop
		}
	}

	cancel()
	wg.Wait()
	scheduler.Stop()

	seq.Shutdown()
	seq.PrintStats()
	if sc != nil {
		sc.Close()
	}

	close(runErrCh)
	var result *multierror.Error
	for err := range runErrCh {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}

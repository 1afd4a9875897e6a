package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nuetzliches/tidelog/internal/config"
	"github.com/nuetzliches/tidelog/internal/connectivity"
	"github.com/nuetzliches/tidelog/internal/flush"
	"github.com/nuetzliches/tidelog/internal/kv"
	"github.com/nuetzliches/tidelog/internal/location"
	"github.com/nuetzliches/tidelog/internal/queue"
	"github.com/nuetzliches/tidelog/internal/submit"
	"github.com/nuetzliches/tidelog/internal/tripapi"
)

const locationConnectTimeout = 5 * time.Second

type connectivitySource interface {
	IsOnline(ctx context.Context) (bool, error)
	Subscribe(fn func(online bool)) (cancel func())
}

// runtime is the set of components one command works with. Everything is
// built from config; background loops are started by runDaemon.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *runtimeMetrics

	store     kv.Store
	client    *tripapi.Client
	auth      tripapi.AuthProvider
	tokenAuth *tokenFileAuth
	queue     *queue.Queue

	monitor      *connectivity.Monitor
	connectivity connectivitySource

	location  *location.Service
	nmea      *location.NMEALocator
	mqtt      *location.MQTTLocator
	submitter *submit.Submitter

	closers []func() error
}

type runtimeOptions struct {
	traced bool
	// daemon takes the single-daemon lock on a SQLite data file. One-shot
	// commands share the file with a running daemon.
	daemon bool
	// needsLocation builds the positioning source; commands that never
	// capture skip opening serial ports and brokers.
	needsLocation bool
}

func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *runtimeMetrics, opts runtimeOptions) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger, metrics: metrics}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if err := rt.openStore(opts.daemon); err != nil {
		return nil, err
	}
	logger.Info("store_backend_selected", slog.String("backend", cfg.Store.Backend))

	if cfg.API.BaseURL != "" {
		client, err := tripapi.NewClient(cfg.API.BaseURL, cfg.API.Timeout, opts.traced)
		if err != nil {
			return nil, err
		}
		client.UserAgent = "tidelog/" + version
		rt.client = client
	}

	if err := rt.openAuth(); err != nil {
		return nil, err
	}
	if err := rt.openConnectivity(); err != nil {
		return nil, err
	}

	var remote queue.Creator
	if rt.client != nil {
		remote = rt.client
	}
	q, err := queue.Open(ctx, rt.store, remote, rt.auth,
		queue.WithLogger(logger),
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithAttemptTimeout(cfg.Queue.AttemptTimeout),
		queue.WithAttemptObserver(metrics.observeAttempt),
	)
	if err != nil {
		return nil, err
	}
	rt.queue = q
	metrics.queueStats = q.Stats

	rt.location = &location.Service{
		Cache:        location.NewCache(rt.store, logger),
		Connectivity: rt.connectivity,
		Timeout:      cfg.Location.Timeout,
		MaxAge:       cfg.Location.MaxAge,
		Logger:       logger,
	}
	rt.closers = append(rt.closers, func() error { rt.location.Wait(); return nil })
	if opts.needsLocation {
		if err := rt.openLocator(ctx); err != nil {
			return nil, err
		}
	}

	rt.submitter = &submit.Submitter{
		Remote:       remote,
		Auth:         rt.auth,
		Queue:        q,
		Connectivity: rt.connectivity,
		Location:     rt.location,
		Logger:       logger,
	}
	return rt, nil
}

func (rt *runtime) openStore(daemon bool) error {
	sc := rt.cfg.Store
	switch sc.Backend {
	case "memory":
		s := kv.NewMemoryStore()
		rt.store = s
		rt.closers = append(rt.closers, s.Close)
	case "sqlite":
		if daemon {
			release, err := acquireDataLock(sc.Path + ".lock")
			if err != nil {
				return err
			}
			rt.closers = append(rt.closers, func() error { release(); return nil })
		}
		s, err := kv.NewSQLiteStore(sc.Path)
		if err != nil {
			return err
		}
		rt.store = s
		rt.closers = append(rt.closers, s.Close)
	case "postgres":
		s, err := kv.NewPostgresStore(sc.DSN, kv.WithPostgresNamespace(sc.Namespace))
		if err != nil {
			return err
		}
		rt.store = s
		rt.closers = append(rt.closers, s.Close)
	case "redis":
		s, err := kv.NewRedisStore(sc.RedisAddr, sc.RedisPassword, sc.RedisDB, kv.WithRedisPrefix(sc.RedisPrefix))
		if err != nil {
			return err
		}
		rt.store = s
		rt.closers = append(rt.closers, s.Close)
	default:
		return fmt.Errorf("unknown store backend %q", sc.Backend)
	}
	return nil
}

func (rt *runtime) openAuth() error {
	if rt.cfg.API.TokenFile != "" {
		a, err := newTokenFileAuth(rt.cfg.API.TokenFile, rt.logger)
		if err != nil {
			return err
		}
		rt.tokenAuth = a
		rt.auth = a
		return nil
	}
	rt.auth = tripapi.StaticAuth{Token: rt.cfg.API.Token}
	return nil
}

func (rt *runtime) openConnectivity() error {
	cc := rt.cfg.Connectivity
	var prober connectivity.Prober
	switch cc.Probe {
	case "none", "":
		rt.connectivity = connectivity.Static(true)
		return nil
	case "http":
		prober = connectivity.HTTPProber{URL: cc.URL}
	case "grpc":
		p, err := connectivity.NewGRPCProber(cc.Target, cc.Service)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, p.Close)
		prober = p
	default:
		return fmt.Errorf("unknown connectivity probe %q", cc.Probe)
	}
	m := connectivity.NewMonitor(prober, cc.Interval, rt.logger)
	m.Timeout = cc.Timeout
	m.Subscribe(rt.metrics.setOnline)
	rt.monitor = m
	rt.connectivity = m
	return nil
}

// openLocator builds the configured positioning source. Failing to reach a
// receiver is logged and leaves the service without a live source; captures
// then resolve from the cache.
func (rt *runtime) openLocator(ctx context.Context) error {
	lc := rt.cfg.Location
	switch lc.Source {
	case "none", "":
	case "static":
		var acc *float64
		if lc.Static.AccuracyMeters > 0 {
			v := lc.Static.AccuracyMeters
			acc = &v
		}
		rt.location.Locator = location.StaticLocator{Latitude: lc.Static.Latitude, Longitude: lc.Static.Longitude, AccuracyMeters: acc}
	case "nmea":
		port, err := location.OpenSerial(location.SerialConfig{PortName: lc.Serial.Port, BaudRate: lc.Serial.Baud})
		if err != nil {
			rt.logger.Warn("gps_unavailable", slog.Any("err", err))
			return nil
		}
		rt.closers = append(rt.closers, port.Close)
		rt.nmea = location.NewNMEALocator(rt.logger, nil)
		rt.location.Locator = rt.nmea

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		rt.closers = append(rt.closers, func() error { cancel(); return nil })
		go func() {
			if err := rt.nmea.Run(runCtx, port); err != nil && !errors.Is(err, context.Canceled) {
				rt.logger.Warn("gps_stream_ended", slog.Any("err", err))
			}
		}()
	case "mqtt":
		l := location.NewMQTTLocator(location.MQTTConfig{
			Broker:   lc.MQTT.Broker,
			ClientID: lc.MQTT.ClientID,
			Topic:    lc.MQTT.Topic,
		}, rt.logger, nil)
		cctx, cancel := context.WithTimeout(ctx, locationConnectTimeout)
		err := l.Connect(cctx)
		cancel()
		if err != nil {
			rt.logger.Warn("gps_unavailable", slog.Any("err", err))
		}
		rt.closers = append(rt.closers, func() error { l.Close(); return nil })
		rt.mqtt = l
		rt.location.Locator = l
	default:
		return fmt.Errorf("unknown location source %q", lc.Source)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close_failed", slog.Any("err", err))
		}
	}
	rt.closers = nil
}

// newTrigger wires a flush trigger to the runtime's queue and connectivity.
func (rt *runtime) newTrigger() *flush.Trigger {
	t := flush.NewTrigger(rt.queue, rt.connectivity, rt.logger)
	t.InitialBackoff = rt.cfg.Flush.InitialBackoff
	t.MaxBackoff = rt.cfg.Flush.MaxBackoff
	t.OnPass = rt.metrics.observeFlush
	rt.submitter.Trigger = t
	return t
}

// inlineFlush is the Kicker for one-shot commands: there is no background
// loop to hand the pass to, so it runs before the command returns.
type inlineFlush struct {
	ctx   context.Context
	queue *queue.Queue

	ran    bool
	result queue.FlushResult
	err    error
}

func (k *inlineFlush) AfterTransientEnqueue() {
	k.ran = true
	k.result, k.err = k.queue.Flush(k.ctx)
}

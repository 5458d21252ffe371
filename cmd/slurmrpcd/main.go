// slurmrpcd serves the controller's job, step and node tables over the
// slurm-rpc protocol.
//
// Usage:
//
//	slurmrpcd [--config slurmrpc.toml] [--listen addr] [--state state.yaml]
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"slurm-rpc/config"
	"slurm-rpc/controller"
	"slurm-rpc/jobcomp"
	"slurm-rpc/logging"
	"slurm-rpc/middleware"
	"slurm-rpc/registry"
	"slurm-rpc/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "slurmrpcd: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	listen     string
	advertise  string
	statePath  string
	credKey    string
	nodeName   string
}

func run() error {
	var f flags
	flagSet := pflag.NewFlagSet("slurmrpcd", pflag.ContinueOnError)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	flagSet.StringVar(&f.listen, "listen", "", "listen address (overrides server.listen)")
	flagSet.StringVar(&f.advertise, "advertise", "", "address registered for clients (overrides server.advertise)")
	flagSet.StringVar(&f.statePath, "state", "", "YAML file of jobs and nodes to start with")
	flagSet.StringVar(&f.credKey, "cred-key", "", "file holding the 32-byte credential signing key (random if unset)")
	flagSet.StringVar(&f.nodeName, "node-name", "", "name reported in node registration replies (default: hostname)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.listen != "" {
		cfg.Server.Listen = f.listen
	}
	if f.advertise != "" {
		cfg.Server.Advertise = f.advertise
	}

	log, level, err := logging.NewLeveled(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, f, log, level)
	if err != nil {
		return err
	}
	return d.run(ctx, stop)
}

// daemon ties the server to its controller, registry, job-completion log
// and metrics endpoint.
type daemon struct {
	cfg        config.Config
	configPath string
	log        *zap.Logger
	level      zap.AtomicLevel

	srv      *server.Server
	ctl      *controller.Controller
	reg      registry.Registry
	jobComp  jobcomp.Logger
	promReg  *prometheus.Registry
	mu       sync.Mutex // guards cfg during reconfigure
	shutdown chan bool
}

func newDaemon(cfg config.Config, f flags, log *zap.Logger, level zap.AtomicLevel) (_ *daemon, err error) {
	d := &daemon{
		cfg:        cfg,
		configPath: f.configPath,
		log:        log,
		level:      level,
		promReg:    prometheus.NewRegistry(),
		shutdown:   make(chan bool, 1),
	}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	compression, err := cfg.Protocol.CompressionFlag()
	if err != nil {
		return nil, err
	}

	if d.jobComp, err = jobcomp.New(cfg.JobComp, log.Named("jobcomp")); err != nil {
		return nil, err
	}

	var key []byte
	if f.credKey != "" {
		if key, err = os.ReadFile(f.credKey); err != nil {
			return nil, fmt.Errorf("credential key: %w", err)
		}
	}
	signer, err := controller.NewSigner(key)
	if err != nil {
		return nil, err
	}

	nodeName := f.nodeName
	if nodeName == "" {
		nodeName, _ = os.Hostname()
	}
	d.ctl, err = controller.New(controller.Options{
		NodeName:    nodeName,
		Signer:      signer,
		JobComp:     d.jobComp,
		Reconfigure: d.reconfigure,
		Shutdown: func(core bool) {
			select {
			case d.shutdown <- core:
			default:
			}
		},
		Logger: log.Named("controller"),
	})
	if err != nil {
		return nil, err
	}
	if f.statePath != "" {
		st, err := controller.LoadState(f.statePath)
		if err != nil {
			return nil, err
		}
		if err := d.ctl.Seed(st); err != nil {
			return nil, err
		}
	}

	d.srv = server.NewServer(server.Options{
		Limits:      cfg.Protocol.Limits(),
		Frame:       cfg.Protocol.FrameOptions(),
		Compression: compression,
		Logger:      log.Named("server"),
		Metrics:     server.NewMetrics(d.promReg),
		ServiceName: cfg.Server.ServiceName,
		Weight:      cfg.Server.Weight,
		Version:     cfg.Server.Version,
		RegistryTTL: cfg.Server.RegistryTTL,
	})
	d.srv.Use(middleware.LoggingMiddleware(log.Named("rpc")))
	if cfg.Server.HandlerRetries > 0 {
		// outside the rate limiter, so a limited request backs off before failing
		d.srv.Use(middleware.RetryMiddleware(cfg.Server.HandlerRetries, 20*time.Millisecond, log.Named("rpc")))
	}
	if cfg.Server.RateLimit > 0 {
		d.srv.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if cfg.Server.RequestTimeout > 0 {
		d.srv.Use(middleware.TimeOutMiddleware(cfg.Server.RequestTimeout))
	}
	d.ctl.Register(d.srv)

	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, log.Named("registry"))
		if err != nil {
			return nil, err
		}
		d.reg = reg
	}
	return d, nil
}

func (d *daemon) run(ctx context.Context, stop context.CancelFunc) error {
	listener, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		d.close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.srv.Serve(listener, d.cfg.Server.Advertise, d.reg)
	})

	var metricsSrv *http.Server
	if d.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle(d.cfg.Metrics.Path, promhttp.HandlerFor(d.promReg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: d.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case core := <-d.shutdown:
			d.log.Info("shutting down on request", zap.Bool("core", core))
			stop()
		}

		sctx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
		defer cancel()
		err := d.srv.Shutdown(sctx)
		if metricsSrv != nil {
			err = multierr.Append(err, metricsSrv.Shutdown(sctx))
		}
		return err
	})

	d.log.Info("slurmrpcd started",
		zap.String("listen", d.cfg.Server.Listen),
		zap.Strings("handlers", d.srv.Handlers()),
		zap.String("jobcomp", d.cfg.JobComp.Type))

	err = g.Wait()
	return multierr.Append(err, d.close())
}

// reconfigure rereads the config file and applies what can change without a
// restart: the log level and the job-completion log location.
func (d *daemon) reconfigure() error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := logging.SetLevel(d.level, cfg.Log); err != nil {
		return err
	}
	if cfg.JobComp.Type != d.cfg.JobComp.Type {
		d.log.Warn("jobcomp.type changes need a restart",
			zap.String("running", d.cfg.JobComp.Type), zap.String("configured", cfg.JobComp.Type))
	} else if d.jobComp != nil && cfg.JobComp.Location != d.cfg.JobComp.Location {
		if err := d.jobComp.SetLocation(cfg.JobComp.Location); err != nil {
			return err
		}
		d.cfg.JobComp.Location = cfg.JobComp.Location
	}
	d.cfg.Log = cfg.Log
	d.log.Info("reconfigured", zap.String("level", d.level.String()))
	return nil
}

func (d *daemon) close() error {
	var err error
	if d.jobComp != nil {
		err = multierr.Append(err, d.jobComp.Close())
	}
	if c, ok := d.reg.(interface{ Close() error }); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aoguide/pkg/alpaca"
	"aoguide/pkg/config"
	"aoguide/pkg/drivers/alpacascope"
	"aoguide/pkg/drivers/simulator"
	"aoguide/pkg/drivers/sxao"
	"aoguide/pkg/guider"
	"aoguide/pkg/scheduler"
	"aoguide/pkg/status"
	"aoguide/pkg/store"
	"aoguide/templates"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("db") {
		cfg.Database = c.String("db")
	}
	return cfg, cfg.Validate()
}

func newScopeDriver(cfg *config.Config, sky *simulator.Sky) (guider.ScopeDriver, error) {
	switch cfg.Scope.Driver {
	case config.DriverAlpaca:
		return alpacascope.New(cfg.Scope.Alpaca, log.WithField("device", "scope"))
	case config.DriverSimulator:
		return simulator.NewMount(sky, log.WithField("device", "scope")), nil
	default:
		return nil, fmt.Errorf("unknown scope driver %q", cfg.Scope.Driver)
	}
}

func newAODriver(cfg *config.Config, sky *simulator.Sky) (guider.AODriver, error) {
	switch cfg.AO.Driver {
	case "":
		return nil, nil
	case config.DriverSXAO:
		return sxao.New(cfg.AO.SXAO, nil, log.WithField("device", "ao")), nil
	case config.DriverSimulator:
		return simulator.NewAO(sky, log.WithField("device", "ao")), nil
	default:
		return nil, fmt.Errorf("unknown ao driver %q", cfg.AO.Driver)
	}
}

// newStatusSink connects to the broker stored in the database. A broker
// that cannot be reached is logged and events are discarded.
func newStatusSink(st *store.Store) *status.Sink {
	mqttCfg, err := st.MQTTConfig()
	if err != nil {
		log.Warnf("Failed to read MQTT config: %v", err)
		return nil
	}
	if !mqttCfg.Enabled {
		return nil
	}

	sink, err := status.Connect(status.Config{
		Host:      mqttCfg.Host,
		Username:  mqttCfg.Username,
		Password:  mqttCfg.Password,
		TopicRoot: mqttCfg.TopicRoot,
	}, log.WithField("component", "status"))
	if err != nil {
		log.Warnf("Status publishing disabled: %v", err)
		return nil
	}
	log.Infof("Publishing status to %s", mqttCfg.Host)
	return sink
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	log.Info("aoguide Alpaca Server")

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("invalid configuration: %v", err)
	}

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	db, err := bolt.Open(cfg.Database, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	st, err := store.New(db)
	if err != nil {
		return fmt.Errorf("failed to create store: %v", err)
	}

	var events guider.EventSink
	if sink := newStatusSink(st); sink != nil {
		defer sink.Close()
		events = sink
	}

	sky := simulator.NewSky(cfg.Simulator)
	sched := scheduler.New(cfg.Scheduler.QueueSize, log.WithField("component", "scheduler"))
	session := guider.NewSession(sched, st, log.WithField("component", "session"))
	defer session.Close()

	scopeDriver, err := newScopeDriver(cfg, sky)
	if err != nil {
		return fmt.Errorf("failed to create scope driver: %v", err)
	}
	scope := guider.NewScope(scopeDriver, log.WithField("device", "scope"))
	scope.SetEvents(events)

	telescope, err := alpaca.NewTelescope(0, session, scope, st, tmpl, log.WithField("device", "telescope"))
	if err != nil {
		return fmt.Errorf("failed to create telescope: %v", err)
	}
	devices := []alpaca.Device{telescope}

	aoDriver, err := newAODriver(cfg, sky)
	if err != nil {
		return fmt.Errorf("failed to create ao driver: %v", err)
	}

	// Only the simulator can measure the star; real hardware is guided by
	// an external client through the step guider API.
	var locator guider.Locator
	if cfg.AO.Driver == config.DriverSimulator {
		locator = sky
	}

	if aoDriver != nil {
		sg := guider.NewStepGuider(aoDriver, st, log.WithField("device", "ao"))
		sg.SetEvents(events)
		engine := guider.NewCalibrationEngine(sg, locator, cfg.Calibration, log.WithField("device", "ao"))

		stepGuider, err := alpaca.NewStepGuider(0, session, sg, engine, st, tmpl, log.WithField("device", "stepguider"))
		if err != nil {
			return fmt.Errorf("failed to create step guider: %v", err)
		}
		devices = append(devices, stepGuider)
	}

	serverDesc := alpaca.ServerDescription{
		Name:                "aoguide",
		Manufacturer:        "aoguide",
		ManufacturerVersion: "1.0",
		Location:            "Observatory",
	}
	server := alpaca.NewServer(serverDesc, devices, st, tmpl, log.WithField("component", "server"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.AddRoutes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Debugf("Server started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %v", srv.Addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %v", err)
		}
		return nil
	})

	if cfg.DiscoveryEnabled() {
		dr := alpaca.NewDiscoveryResponder("0.0.0.0", cfg.Server.DiscoveryPort, cfg.Server.Port, log.WithField("component", "discovery"))
		g.Go(func() error {
			if err := dr.Run(ctx); err != nil {
				return fmt.Errorf("discovery responder failed: %v", err)
			}
			log.Debug("Discovery responder stopped")
			return nil
		})
	}

	g.Go(func() error {
		return sched.Run(ctx)
	})

	if cfg.Guide.Enabled {
		if locator == nil {
			log.Warn("Guide loop needs the simulated AO, not starting it")
		} else {
			loop := guider.NewLoop(guider.NewDispatcher(session, log.WithField("component", "dispatcher")), locator, cfg.Guide.Interval, log.WithField("component", "loop"))
			loop.SetEvents(events)
			g.Go(func() error {
				return loop.Run(ctx)
			})
		}
	}

	err = g.Wait()
	log.Info("Server stopped")
	return err
}

func main() {
	app := cli.App{
		Name:  "aoguide",
		Usage: "Alpaca server for a mount and adaptive optics guider",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"AOGUIDE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   11111,
				EnvVars: []string{"ALPACA_PORT"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the settings database",
				Value:   "aoguide.db",
				EnvVars: []string{"AOGUIDE_DB"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

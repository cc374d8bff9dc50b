package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albinoxes/betl-vision-solution/internal/classifier"
	"github.com/albinoxes/betl-vision-solution/internal/csvagg"
	"github.com/albinoxes/betl-vision-solution/internal/detector"
	"github.com/albinoxes/betl-vision-solution/internal/framesink"
	"github.com/albinoxes/betl-vision-solution/internal/health"
	"github.com/albinoxes/betl-vision-solution/internal/httpapi"
	"github.com/albinoxes/betl-vision-solution/internal/inference"
	"github.com/albinoxes/betl-vision-solution/internal/registry"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/store"
	"github.com/albinoxes/betl-vision-solution/internal/stream"
	"github.com/albinoxes/betl-vision-solution/internal/supervisor"
	"github.com/albinoxes/betl-vision-solution/internal/uploader"
)

var (
	startMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "start",
		Help: "Start timestamp of the app (unix)",
	})

	serviceStartMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "service_start",
		Help: "Start timestamp of the service (unix)",
	})

	serviceStopMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "service_stop",
		Help: "Stop timestamp of the service (unix)",
	})

	statusMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "status",
		Help: "Service status",
	})
)

type program struct {
	Logger servicelog.Logger
	Config Config
	Cancel func()
}

func (p *program) Start(s service.Service) error {
	// Start should not block. Do the actual work async.
	p.Logger.Info("start signal received")
	if p.Cancel != nil {
		if err := p.Stop(s); err != nil {
			return err
		}
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	p.Cancel = cancelFunc
	serviceStartMetric.SetToCurrentTime()
	statusMetric.Set(1)
	go func() {
		defer serviceStopMetric.SetToCurrentTime()
		defer statusMetric.Set(0)
		p.Run(ctx)
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	// Stop should not block. Return within a few seconds.
	p.Logger.Info("stop signal received")
	if p.Cancel != nil {
		cancel := p.Cancel
		p.Cancel = nil
		wait := make(chan struct{})
		go func() {
			defer close(wait)
			cancel()
		}()
		select {
		case <-wait:
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}

func (p *program) Run(ctx context.Context) {
	logger := p.Logger
	config := p.Config

	db, err := store.Open(logger, config.DatabasePath)
	if err != nil {
		logger.Error("cannot open store", servicelog.Error(err))
		return
	}
	defer db.Close()

	streams := stream.NewClient(logger, stream.Options{})
	sink := framesink.New(logger, framesink.Config{Root: config.FramesFolder}, db)
	uploads := uploader.New(logger, db)
	aggregator := csvagg.New(logger, csvagg.Config{Dir: config.CSVFolder}, uploads)
	detectors := detector.NewWorker(logger, aggregator)
	classifiers := classifier.NewWorker(logger, aggregator)
	loaders := inference.NewLoader(logger, db,
		time.Duration(config.InferenceTimeoutSeconds)*time.Second)
	tasks := supervisor.New(logger, streams, sink, detectors, classifiers, db, loaders)
	monitors := health.New(logger, health.Config{}, streams, nil)

	resources := &registry.Registry{
		Logger:      logger,
		Streams:     streams,
		Supervisor:  tasks,
		Detectors:   detectors,
		Classifiers: classifiers,
		Aggregator:  aggregator,
		Uploader:    uploads,
		Health:      monitors,
	}
	resources.Start()

	api := httpapi.New(logger, httpapi.Config{
		Upstreams:          config.Upstreams(),
		DeviceQueryTimeout: config.DeviceQueryTimeout(),
	}, tasks, db, monitors, streams, loaders, map[string]httpapi.StatsSource{
		"detector":   detectors,
		"classifier": classifiers,
		"csv":        aggregator,
		"uploader":   uploads,
	})
	for _, up := range config.Upstreams() {
		monitors.Register(up.Kind+"_0", up.HealthURL())
	}

	mux := &http.ServeMux{}
	mux.Handle("/", api.Router())
	mux.Handle("/debug/", http.DefaultServeMux)
	// No WriteTimeout: the video endpoints stream indefinitely.
	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", config.Port),
		Handler:        mux,
		ReadTimeout:    time.Duration(config.ReadTimeoutSeconds) * time.Second,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer srv.Close()
			<-ctx.Done()
		}()
		logger.Info("control surface listening", servicelog.Int("port", config.Port))
		srv.ListenAndServe()
	}()

	<-ctx.Done()
	api.Close()
	resources.Shutdown(registry.Timeouts{
		Tasks: time.Duration(config.StopGraceSeconds) * time.Second,
	})
}

func main() {
	svcConfig := &service.Config{
		Name:        "BeltVisionAggregator",
		DisplayName: "Belt vision edge aggregator",
		Description: "Collects conveyor-belt camera streams, runs detection pipelines and uploads CSV batches",
	}

	var configPath string
	flag.StringVar(&configPath, "c", "/etc/belt-vision/config.toml", "path to config file")
	flag.Parse()

	var config Config
	if _, err := toml.DecodeFile(configPath, &config); err != nil {
		panic(err)
	}
	if err := config.Check(configPath); err != nil {
		panic(err)
	}

	logger, err := servicelog.New(nil, config.LogFolder, config.LogFileSizeMb, config.LogFileNum, config.Debug)
	if err != nil {
		log.Fatalf("can't initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("config", servicelog.Any("config", config))

	startMetric.SetToCurrentTime()

	prg := &program{
		Logger: logger,
		Config: config,
	}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		logger.Fatal("new service failed", servicelog.Error(err))
	}
	args := flag.Args()
	if len(args) > 1 {
		if err := service.Control(s, args[1]); err != nil {
			logger.Fatal("service control failed", servicelog.Error(err))
		}
		return
	}

	logger.Info("starting service manager")
	if err := s.Run(); err != nil {
		logger.Error("run failed", servicelog.Error(err))
	}
}

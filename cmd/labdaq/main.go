package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/labdaq/internal/api"
	"github.com/banshee-data/labdaq/internal/config"
	"github.com/banshee-data/labdaq/internal/daq"
	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/driver/builtin"
	"github.com/banshee-data/labdaq/internal/health"
	"github.com/banshee-data/labdaq/internal/monitoring"
	"github.com/banshee-data/labdaq/internal/serialmux"
	"github.com/banshee-data/labdaq/internal/store"
	"github.com/banshee-data/labdaq/internal/trigger"
	"github.com/banshee-data/labdaq/internal/tsdb"
	"github.com/banshee-data/labdaq/internal/version"
)

var (
	configPath  = flag.String("config", config.ExampleConfigPath, "Path to the JSON run configuration")
	listen      = flag.String("listen", "", "Listen address (overrides the configuration)")
	assumeYes   = flag.Bool("yes", false, "Start devices that report warnings without asking")
	checkOnly   = flag.Bool("check", false, "Validate the configuration and exit")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("labdaq", version.String())
		return
	}

	reg := driver.NewRegistry()
	if err := builtin.Register(reg, serialmux.OpenRealPort); err != nil {
		log.Fatalf("failed to register drivers: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(reg); err != nil {
		log.Fatalf("invalid config %s: %v", *configPath, err)
	}
	if *checkOnly {
		fmt.Printf("%s: %d devices OK\n", *configPath, len(cfg.Devices))
		return
	}
	addr := cfg.GetListen()
	if *listen != "" {
		addr = *listen
	}

	st, err := store.Open(cfg.GetStorePath())
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	sink, err := sinkFromConfig(cfg)
	if err != nil {
		log.Fatalf("failed to create time-series sink: %v", err)
	}
	defer sink.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	det, err := detectorFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open trigger: %v", err)
	}
	if c, ok := det.(io.Closer); ok {
		defer c.Close()
	}

	confirm := daq.ConfirmFunc(nil)
	if !*assumeYes {
		confirm = promptConfirm(os.Stdin, os.Stdout)
	}

	promReg := prometheus.NewRegistry()
	acq, err := daq.New(daq.Options{
		Config:   cfg,
		Registry: reg,
		Store:    st,
		Sink:     sink,
		Detector: det,
		Confirm:  confirm,
		Metrics:  health.NewMetrics(promReg),
	})
	if err != nil {
		log.Fatalf("failed to build acquisition: %v", err)
	}
	if err := acq.Start(ctx); err != nil {
		acq.Stop()
		log.Fatalf("failed to start acquisition: %v", err)
	}
	log.Printf("labdaq %s: run %q started with %d devices", version.String(), acq.Run().Name, len(acq.Devices()))

	apiServer := api.NewServer(acq, st, promReg)
	mux := apiServer.ServeMux()
	if err := apiServer.AttachAdminRoutes(mux); err != nil {
		log.Printf("failed to attach admin routes: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server := &http.Server{
			Addr:    addr,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server error: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()
	log.Printf("stopping acquisition...")
	acq.Stop()
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// sinkFromConfig returns the InfluxDB sink when one is configured and
// enabled, otherwise a sink that drops everything.
func sinkFromConfig(cfg *config.Config) (tsdb.Sink, error) {
	ic := cfg.InfluxDB
	if ic == nil || (ic.Enabled != nil && !*ic.Enabled) {
		return tsdb.Discard{}, nil
	}
	sink, err := tsdb.NewInflux(ic.InfluxConfig)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

// detectorFromConfig opens the configured trigger source. Without a trigger
// section a manual detector is returned so sequences can still be loaded.
func detectorFromConfig(ctx context.Context, cfg *config.Config) (trigger.Detector, error) {
	tc := cfg.Trigger
	if tc == nil || tc.Detector != "modem" {
		return trigger.NewManual(), nil
	}
	port, err := serialmux.OpenPort(tc.Port, serialmux.PortOptions{})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tc.Port, err)
	}
	d := trigger.NewModemDetector(port, tc.GetPollInterval())
	d.Start(ctx)
	monitoring.Logf("trigger: watching %s on %s", tc.Channel, tc.Port)
	return d, nil
}

// promptConfirm asks on out whether to start a device whose driver raised
// a warning, reading a y/n answer from in.
func promptConfirm(in io.Reader, out io.Writer) daq.ConfirmFunc {
	sc := bufio.NewScanner(in)
	return func(name string, fault *driver.InitFault) bool {
		fmt.Fprintf(out, "%s: %s\nStart %s anyway? [y/N] ", name, fault.Message, name)
		if !sc.Scan() {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "y", "yes":
			return true
		}
		return false
	}
}

// provisiond is the network provisioning daemon for coin-operated WiFi
// appliances. It turns declarative segment objects (access points, hotspot
// scopes, VLANs, bridges) into kernel and daemon state, and keeps the two
// in agreement across restarts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"piso.network/provisiond/internal/api"
	"piso.network/provisiond/internal/config"
	"piso.network/provisiond/internal/discovery"
	"piso.network/provisiond/internal/driver"
	"piso.network/provisiond/internal/engine"
	"piso.network/provisiond/internal/events"
	"piso.network/provisiond/internal/logging"
	"piso.network/provisiond/internal/model"
	"piso.network/provisiond/internal/status"
	"piso.network/provisiond/internal/store"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/provisiond/provisiond.hcl", "configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("provisiond %s\n", version)
		return
	}

	if err := run(*configPath); err != nil {
		logging.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logging.New(logging.Config{
		Level: logging.ParseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	})
	logging.SetDefault(log)
	log.Info("starting provisiond", "version", version, "config", configPath)

	if err := os.MkdirAll(cfg.RunDir, 0755); err != nil {
		return fmt.Errorf("failed to create run dir: %w", err)
	}

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer st.Close()

	hub := events.NewHub()
	lister := discovery.NewLister(discovery.DefaultNetlinker, &discovery.RealEthtool{})

	nat, err := driver.NewNFTNatManager()
	if err != nil {
		return fmt.Errorf("failed to initialize nftables: %w", err)
	}

	env := &driver.Env{
		NL:           discovery.DefaultNetlinker,
		Exec:         &driver.RealCommandExecutor{},
		Sysfs:        &driver.RealSysfs{},
		NAT:          nat,
		Store:        st,
		Hub:          hub,
		Log:          log.WithComponent("driver"),
		RunDir:       cfg.RunDir,
		HostapdBin:   cfg.HostapdBin,
		ApplyTimeout: cfg.ApplyTimeout(),
	}

	hotspots := driver.NewHotspotDriver(env)
	defer hotspots.Stop()

	drivers := map[model.Kind]driver.Driver{
		model.KindWireless: driver.NewWirelessDriver(env),
		model.KindHotspot:  hotspots,
		model.KindVlan:     driver.NewVlanDriver(env),
		model.KindBridge:   driver.NewBridgeDriver(env),
	}

	rec := engine.New(st, lister, drivers, hub, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Re-establish in-process state for segments that survived the
	// restart; nothing destructive runs here.
	if err := rec.Resync(ctx); err != nil {
		log.Error("resync failed", "error", err)
	}

	srv := api.NewServer(rec, status.NewProjector(st, lister), hotspots, lister, st, hub, log)
	if err := srv.Start(ctx, cfg.API.Listen); err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	log.Info("provisiond stopped")
	return nil
}

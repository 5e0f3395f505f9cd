package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"pms-supervisor/internal/automode"
	"pms-supervisor/internal/cache"
	"pms-supervisor/internal/config"
	"pms-supervisor/internal/dbconf"
	"pms-supervisor/internal/device"
	"pms-supervisor/internal/regmap"
	"pms-supervisor/internal/router"
	"pms-supervisor/internal/sched"
	"pms-supervisor/internal/transport"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "path to YAML config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		log.Fatalf("pms: %v", err)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// DB values override the YAML auto-mode settings when enabled.
	if cfg.Database.Enabled && cfg.Database.LoadConfigFromDB {
		store, err := dbconf.Open(cfg.Database.URL, cfg.Database.DeviceLocation)
		if err != nil {
			log.Printf("config db unavailable, using YAML settings: %v", err)
		} else {
			merged, err := store.LoadAutoModeConfig(context.Background(), cfg.AutoMode)
			if err != nil {
				log.Printf("config db read failed, using YAML settings: %v", err)
			} else {
				cfg.AutoMode = merged
				log.Printf("auto mode config loaded from db (location %s)", cfg.Database.DeviceLocation)
			}
			store.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Printf("received signal %v, shutting down", s)
		cancel()
	}()

	client := transport.New(cfg.MQTT, prometheus.DefaultRegisterer)
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Shutdown()

	store := cache.New()
	cfgDir := filepath.Dir(cfgPath)

	handlers := make(map[string]*device.Handler, len(cfg.Devices))
	var bmsH, dcdcH, pcsH *device.Handler
	for _, dev := range cfg.Devices {
		mapPath := dev.MapFile
		if !filepath.IsAbs(mapPath) {
			mapPath = filepath.Join(cfgDir, mapPath)
		}
		regs, err := regmap.Load(mapPath)
		if err != nil {
			return fmt.Errorf("device %s: %w", dev.Name, err)
		}
		h := device.NewHandler(dev, regs, cfg.System.ConnectionTimeout)
		handlers[dev.Name] = h
		switch dev.Type {
		case "BMS":
			if bmsH == nil {
				bmsH = h
			}
		case "DCDC":
			if dcdcH == nil {
				dcdcH = h
			}
		case "PCS":
			if pcsH == nil {
				pcsH = h
			}
		}
		log.Printf("device handler ready: %s (%s, %s, %d registers)", dev.Name, dev.Type, dev.Addr(), regs.Len())
	}
	defer func() {
		for _, h := range handlers {
			h.Close()
		}
	}()

	machine := automode.NewMachine(automode.Config{
		SOCHighThreshold:       cfg.AutoMode.SOCHighThreshold,
		SOCLowThreshold:        cfg.AutoMode.SOCLowThreshold,
		SOCChargeStopThreshold: cfg.AutoMode.SOCChargeStopThreshold,
		DCDCStandbyTime:        cfg.AutoMode.DCDCStandbyTime,
		CommandInterval:        cfg.AutoMode.CommandInterval,
		ChargingPower:          cfg.AutoMode.ChargingPower,
	})

	// Interface-typed nils would defeat the controller's presence checks,
	// so only assign handlers that exist.
	var pcsCmd, dcdcCmd, bmsCmd automode.Commander
	bmsName := ""
	if pcsH != nil {
		pcsCmd = pcsH
	}
	if dcdcH != nil {
		dcdcCmd = dcdcH
	}
	if bmsH != nil {
		bmsCmd = bmsH
		bmsName = bmsH.Name()
	}
	controller := automode.NewController(machine, store, pcsCmd, dcdcCmd, bmsCmd, bmsName, cfg.AutoMode.SOCMonitorInterval)

	var recovery *automode.Recovery
	if bmsH != nil && pcsH != nil {
		recovery = automode.NewRecovery(bmsH, pcsH)
	} else {
		log.Printf("auto recovery disabled: BMS or PCS handler missing")
	}

	controlDevices := make(map[string]automode.ControlDevice, len(handlers))
	routerDevices := make(map[string]router.Device, len(handlers))
	for name, h := range handlers {
		controlDevices[name] = h
		routerDevices[name] = h
	}

	manager := automode.NewManager(cfg.MQTT.BaseTopic, cfg.Database.DeviceLocation, cfg.AutoMode.Enabled,
		controller, recovery, controlDevices, client)
	rt := router.New(cfg.MQTT.BaseTopic, routerDevices, client, manager)
	client.SetMessageHandler(rt.Dispatch)

	for name := range handlers {
		topic := fmt.Sprintf("%s/control/%s/command", cfg.MQTT.BaseTopic, name)
		if err := client.Subscribe(topic, 0); err != nil {
			log.Printf("subscribe %s: %v", topic, err)
		}
	}

	manager.Start(ctx)

	scheduler := sched.New(0)
	for name, h := range handlers {
		h := h
		scheduler.Add(sched.Job{
			Name:     name,
			Interval: h.PollInterval(),
			Run: func() {
				h.PollAndPublish(store, client, cfg.MQTT.BaseTopic)
			},
		})
	}
	scheduler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		machine.Run(gctx)
		return nil
	})

	log.Printf("pms supervisor running: %d devices, auto mode %v, location %q",
		len(handlers), cfg.AutoMode.Enabled, cfg.Database.DeviceLocation)

	<-ctx.Done()

	scheduler.Stop()
	manager.Shutdown()
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("pms supervisor stopped")
	return nil
}

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/herisson-88/DirettaRendererUPnP/internal/config"
	"github.com/herisson-88/DirettaRendererUPnP/internal/control"
	"github.com/herisson-88/DirettaRendererUPnP/internal/diretta"
	"github.com/herisson-88/DirettaRendererUPnP/internal/discovery"
	"github.com/herisson-88/DirettaRendererUPnP/internal/source"
)

var (
	configPath  = flag.String("config", getDefaultConfigPath(), "Path to configuration file")
	name        = flag.String("name", "", "Renderer name")
	uuidFlag    = flag.String("uuid", "", "Renderer UUID (generated if empty)")
	target      = flag.Int("target", 0, "Diretta target number (1-based)")
	listTargets = flag.Bool("list-targets", false, "List available Diretta targets and exit")
	iface       = flag.String("interface", "", "Network interface to use")
	controlAddr = flag.String("control-addr", "", "Control endpoint listen address")
	playFile    = flag.String("play", "", "Play a file or URL directly and exit on completion")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()
	diretta.Verbose = *verbose

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Apply flag overrides
	if *name != "" {
		cfg.Name = *name
	}
	if *uuidFlag != "" {
		cfg.UUID = *uuidFlag
	}
	if cfg.UUID == "" {
		cfg.UUID = uuid.New().String()
	}
	if *target > 0 {
		cfg.Sink.TargetIndex = *target
	}
	if *iface != "" {
		cfg.Sink.Interface = *iface
	}
	if *controlAddr != "" {
		cfg.Control.ListenAddr = *controlAddr
	}

	transport := diretta.NewNativeTransport(cfg.Sink.Interface)

	if *listTargets {
		if err := listAvailableTargets(transport); err != nil {
			log.Fatalf("Failed to list targets: %v", err)
		}
		return
	}

	core := diretta.NewAudioCore(transport, coreConfig(cfg))
	if err := core.Enable(); err != nil {
		log.Printf("Failed to enable Diretta output: %v", err)
		os.Exit(1)
	}
	defer core.Disable()

	cacheSize := int64(cfg.Cache.MaxSizeGB) * 1024 * 1024 * 1024
	cache, err := source.NewCache(cfg.Cache.Directory, cacheSize)
	if err != nil {
		log.Printf("Failed to create cache: %v", err)
		os.Exit(1)
	}

	engine := source.NewEngine(core, cache)
	renderer := control.NewRenderer(core, engine)
	defer renderer.Shutdown()

	// Direct mode: play one URI and exit
	if *playFile != "" {
		runDirect(renderer, *playFile)
		return
	}

	server := control.NewServer(cfg.Control.ListenAddr, renderer)
	if err := server.Start(); err != nil {
		log.Printf("Failed to start control server: %v", err)
		os.Exit(1)
	}
	defer server.Stop()

	if cfg.Control.MDNS {
		adv, err := discovery.Advertise(cfg.Name, cfg.UUID, server.Port())
		if err != nil {
			log.Printf("Warning: mDNS advertisement failed: %v", err)
		} else {
			defer adv.Shutdown()
		}
	}

	log.Printf("%s running (uuid: %s)", cfg.Name, cfg.UUID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Printf("\nShutting down...")
}

// coreConfig maps the YAML config onto the audio core tunables.
func coreConfig(cfg *config.Config) diretta.Config {
	c := diretta.DefaultConfig()
	c.TargetIndex = cfg.Sink.TargetIndex - 1 // 1-based in config, 0-based in core
	if cfg.Sink.MTU > 0 {
		c.MTUOverride = cfg.Sink.MTU
	}
	if cfg.Sink.MTUFallback > 0 {
		c.MTUFallback = cfg.Sink.MTUFallback
	}
	if cfg.Sink.CycleTimeUs > 0 {
		c.CycleTimeUs = cfg.Sink.CycleTimeUs
	}
	c.CycleTimeAuto = cfg.Sink.CycleTimeAuto
	c.ThreadMode = cfg.Sink.ThreadMode
	switch cfg.Sink.TransferMode {
	case "fix_auto":
		c.TransferMode = diretta.TransferFixAuto
	case "var_auto":
		c.TransferMode = diretta.TransferVarAuto
	case "var_max":
		c.TransferMode = diretta.TransferVarMax
	}
	if cfg.Sink.OnlineWaitMs > 0 {
		c.OnlineWaitMs = cfg.Sink.OnlineWaitMs
	}
	if cfg.Sink.FormatSwitchDelayMs > 0 {
		c.FormatSwitchDelayMs = cfg.Sink.FormatSwitchDelayMs
	}
	c.ClientName = cfg.Name
	return c
}

// runDirect plays a single URI and waits for it to finish or for an
// interrupt.
func runDirect(renderer *control.Renderer, uri string) {
	done := make(chan struct{}, 1)
	renderer.SetNotify(func(msg control.Message) {
		if msg.Type == control.TypeStateEvent {
			if ev, ok := msg.Payload.(control.StateEvent); ok && ev.State == "STOPPED" {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		}
	})

	if err := renderer.SetURI(uri, ""); err != nil {
		log.Fatalf("Failed to set URI: %v", err)
	}
	if err := renderer.Play(); err != nil {
		log.Fatalf("Failed to start playback: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Printf("\nShutting down...")
		renderer.Stop()
	case <-done:
		log.Printf("Playback finished")
	}
}

func listAvailableTargets(transport diretta.SinkTransport) error {
	fmt.Println("Scanning for Diretta targets...")

	targets, err := transport.Discover()
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Println("No Diretta targets found")
		return nil
	}

	fmt.Printf("\nAvailable Diretta targets (%d found):\n\n", len(targets))
	for i, t := range targets {
		fmt.Printf("[%d] %s\n", i+1, t.Name)
		fmt.Printf("    Address:   %s\n", t.Address)
		if t.Output != "" {
			fmt.Printf("    Output:    %s\n", t.Output)
		}
		if t.Version != "" {
			fmt.Printf("    Version:   %s\n", t.Version)
		}
		if t.ProductID != 0 {
			fmt.Printf("    ProductID: 0x%08X\n", t.ProductID)
		}
		fmt.Println()
	}

	fmt.Println("Usage:")
	fmt.Printf("  Target #1: %s --target 1\n", os.Args[0])
	fmt.Println()
	return nil
}

func getDefaultConfigPath() string {
	locations := []string{
		"./direttarenderer.yaml",
		"./config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config", "direttarenderer", "config.yaml"),
		"/etc/direttarenderer/config.yaml",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return locations[0]
}

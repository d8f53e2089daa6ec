// Command bringup boots a machine from a YAML description and drives the
// eventloop until the guest powers off. It uses the stub hart engine, so it
// exercises machine bringup, image loading, and device plumbing rather than
// guest execution; wiring in a real CPU engine is a one-line change to
// newEngine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	rvvm "github.com/LekKit/RVVM-sub000"
	"github.com/LekKit/RVVM-sub000/internal/devices/syscon"
	"github.com/LekKit/RVVM-sub000/internal/devices/uart"
	"github.com/LekKit/RVVM-sub000/internal/fdt"
)

type machineConfig struct {
	MemoryMiB   uint64 `yaml:"memory_mib"`
	Harts       int    `yaml:"harts"`
	CPUPercent  uint64 `yaml:"cpu_percent"`
	JIT         *bool  `yaml:"jit"`
	JITCacheMiB uint64 `yaml:"jit_cache_mib"`
	NoRWX       bool   `yaml:"no_rwx"`

	BootROM  string `yaml:"bootrom"`
	Kernel   string `yaml:"kernel"`
	DTB      string `yaml:"dtb"`
	BootArgs string `yaml:"bootargs"`
}

func loadConfig(path string) (*machineConfig, error) {
	cfg := &machineConfig{
		MemoryMiB:  256,
		Harts:      1,
		CPUPercent: 100,
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

func newEngine() rvvm.HartEngine {
	return rvvm.EngineFunc(func(m *rvvm.Machine, id int) (rvvm.Hart, error) {
		hart := &rvvm.SimpleHart{HartID: id}
		if m.GetOption(rvvm.OptJIT) != 0 {
			cache, err := rvvm.NewBlockCache(
				int(m.GetOption(rvvm.OptJITCacheSize)),
				m.MemSize(),
				m.GetOption(rvvm.OptNoRWX) != 0,
			)
			if err != nil {
				slog.Warn("bringup: running interpreted, no code heap", "hart", id, "error", err)
			} else {
				hart.BlockCache = cache
			}
		}
		return hart, nil
	})
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bringup: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine description YAML")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.MemoryMiB == 0 || cfg.Harts <= 0 {
		return fmt.Errorf("config needs memory_mib and harts")
	}

	m, err := rvvm.NewMachine(newEngine(), 0x8000_0000, cfg.MemoryMiB<<20, cfg.Harts, true)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Free()

	if cfg.JIT != nil && !*cfg.JIT {
		m.SetOption(rvvm.OptJIT, 0)
	}
	if cfg.JITCacheMiB != 0 {
		m.SetOption(rvvm.OptJITCacheSize, cfg.JITCacheMiB<<20)
	}
	if cfg.NoRWX {
		m.SetOption(rvvm.OptNoRWX, 1)
	}
	if cfg.CPUPercent != 0 {
		m.SetOption(rvvm.OptCPUPercent, cfg.CPUPercent)
	}

	if cfg.BootROM != "" {
		if err := m.LoadBootROM(cfg.BootROM); err != nil {
			return err
		}
	}
	if cfg.Kernel != "" {
		if err := m.LoadKernel(cfg.Kernel); err != nil {
			return err
		}
	}
	if cfg.DTB != "" {
		if err := m.LoadDTB(cfg.DTB); err != nil {
			return err
		}
	} else {
		m.SetDTB(fdt.BuildMachineTree(fdt.MachineInfo{
			MemBase:    0x8000_0000,
			MemSize:    cfg.MemoryMiB << 20,
			Harts:      cfg.Harts,
			RV64:       true,
			Timebase:   rvvm.TimerFreq,
			SysconAddr: syscon.DefaultAddr,
			UARTAddr:   uart.DefaultAddr,
			BootArgs:   cfg.BootArgs,
		}))
	}

	if _, err := syscon.Attach(m, syscon.DefaultAddr); err != nil {
		return fmt.Errorf("attach syscon: %w", err)
	}
	if _, err := uart.Attach(m, uart.DefaultAddr, os.Stdout, os.Stdin); err != nil {
		return fmt.Errorf("attach uart: %w", err)
	}

	// Guests own the terminal while running.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("set raw terminal: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("bringup: shutting down")
		m.RequestShutdown()
	}()

	if !m.Start() {
		return fmt.Errorf("machine failed to start")
	}
	slog.Info("bringup: machine started", "harts", cfg.Harts, "memory_mib", cfg.MemoryMiB)

	return rvvm.RunEventloop()
}

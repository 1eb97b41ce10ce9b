// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/pterm/pterm"

	"vmsupervisor/catalog"
	"vmsupervisor/config"
	"vmsupervisor/console"
	"vmsupervisor/hostprobe"
	"vmsupervisor/libvirtclient"
	"vmsupervisor/lifecycle"
	"vmsupervisor/logger"
	"vmsupervisor/paths"
	"vmsupervisor/statusd"
	"vmsupervisor/supervisor"
	"vmsupervisor/tracing"
	"vmsupervisor/vmerrors"
)

const (
	version           = "0.1.0"
	defaultStatusAddr = "127.0.0.1:2259"
)

func main() {
	os.Exit(run())
}

func run() int {
	noConsoleFlag := flag.Bool("no-console", false, "never attach to the domain console, even on a TTY")
	listDistros := flag.Bool("list-distros", false, "list catalog distributions, optionally filtered by architecture, and exit")
	showConfig := flag.Bool("show-config", false, "print the resolved configuration and exit")
	showXML := flag.Bool("show-xml", false, "print the rendered domain XML and exit without starting the domain")
	dryRun := flag.Bool("dry-run", false, "run through prepare without defining or starting the domain")
	configPath := flag.String("config", "", "optional YAML file of environment variable overrides, applied before resolution (real environment always wins)")
	flag.Parse()

	if *configPath != "" {
		if err := config.LoadOverlay(*configPath); err != nil {
			pterm.Error.Printfln("failed to load --config overlay: %v", err)
			return 1
		}
	}

	cat, err := catalog.Load(os.Getenv("CATALOG_PATH"))
	if err != nil {
		pterm.Error.Printfln("failed to load catalog: %v", err)
		return 1
	}

	if *listDistros {
		arch := ""
		if args := flag.Args(); len(args) > 0 {
			arch = args[0]
		}
		printDistros(cat, arch)
		return 0
	}

	log := logger.New(logLevelFromEnv())
	p := paths.Resolve()

	cfg, err := config.Resolve(cat, p, log)
	if err != nil {
		return handleTopLevelError(err)
	}
	if *noConsoleFlag {
		cfg.NoConsole = true
	}

	if *showConfig {
		printConfig(cfg)
		return 0
	}

	_, archProfile, err := catalog.ResolveArch(cfg.Arch)
	if err != nil {
		return handleTopLevelError(err)
	}

	statusd.SetBuildInfo(version, runtime.Version())

	provider, err := tracing.NewProvider(tracing.ConfigFromEnv(os.Getenv))
	if err != nil {
		pterm.Warning.Printfln("tracing disabled: %v", err)
		provider, _ = tracing.NewProvider(tracing.DefaultConfig("vmsupervisor"))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}()

	virsh := libvirtclient.New(cfg.LibvirtURI, log)
	sup := supervisor.New(cfg, p, log)
	runtimeInfo := hostprobe.DetectRuntime()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx, runtimeInfo.Rootless, virsh); err != nil {
		sup.Stop()
		return handleTopLevelError(err)
	}
	defer sup.Stop()

	ctrl := lifecycle.New(cfg, archProfile, p, log, virsh, sup)

	if addr, disabled := statusAddrFromEnv(); !disabled {
		status := statusd.NewServer(addr, ctrl, cfg.VMName, version, provider, log)
		go func() {
			if err := status.Start(); err != nil {
				log.Warn("status server stopped", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = status.Shutdown(ctx)
		}()
	}

	if err := ctrl.Connect(ctx); err != nil {
		return handleTopLevelError(err)
	}

	if err := ctrl.Prepare(ctx); err != nil {
		return handleTopLevelError(err)
	}

	if *showXML {
		fmt.Println(ctrl.DomainXML())
		return 0
	}

	if *dryRun {
		pterm.Success.Println("dry run complete; domain prepared but not started")
		return 0
	}

	if err := ctrl.Start(ctx); err != nil {
		ctrl.Cleanup(ctx)
		return handleTopLevelError(err)
	}

	if err := ctrl.WaitForGuestReady(ctx); err != nil {
		log.Warn("guest readiness wait ended early", "error", err)
	}

	exitCode := 0
	if !cfg.NoConsole && hostprobe.HasControllingTTY() {
		code, err := console.Attach(cfg.LibvirtURI, cfg.VMName, log)
		if err != nil {
			log.Warn("console attach failed", "error", err)
		}
		exitCode = code
	} else if err := ctrl.WaitUntilStopped(ctx); err != nil {
		log.Warn("wait loop ended with error", "error", err)
	}

	ctrl.Cleanup(ctx)

	if exitCode == 0 && cfg.Persist {
		if err := ctrl.MarkInstalled(); err != nil {
			log.Warn("failed to write install marker", "error", err)
		}
	}

	return exitCode
}

func printDistros(cat *catalog.Catalog, arch string) {
	var keys []string
	if arch != "" {
		keys = cat.KeysForArch(arch)
	} else {
		keys = cat.Keys()
	}
	pterm.DefaultSection.Println("Available distributions")
	for _, k := range keys {
		d, err := cat.Lookup(k)
		if err != nil {
			continue
		}
		pterm.Printf("  %-20s %-28s arch=%s\n", k, d.DisplayName, d.Arch)
	}
}

func printConfig(cfg *config.VMConfig) {
	pterm.DefaultSection.Println("Resolved configuration")
	pterm.Printf("vm_name:      %s\n", cfg.VMName)
	pterm.Printf("distro:       %s (%s)\n", cfg.Distro, cfg.DistroName)
	pterm.Printf("arch:         %s\n", cfg.Arch)
	pterm.Printf("memory_mb:    %d\n", cfg.MemoryMB)
	pterm.Printf("cpus:         %d\n", cfg.CPUs)
	pterm.Printf("disk_size:    %s\n", cfg.DiskSize)
	pterm.Printf("boot_mode:    %s\n", cfg.BootMode)
	pterm.Printf("cloud_init:   %v\n", cfg.CloudInitEnabled)
	pterm.Printf("persist:      %v\n", cfg.Persist)
	pterm.Printf("no_console:   %v\n", cfg.NoConsole)
	pterm.Printf("require_kvm:  %v\n", cfg.RequireKVM)
}

// statusAddrFromEnv resolves STATUS_ADDR: unset uses the default
// loopback address, set-but-empty disables the status server entirely.
func statusAddrFromEnv() (addr string, disabled bool) {
	addr, set := os.LookupEnv("STATUS_ADDR")
	if !set {
		return defaultStatusAddr, false
	}
	if addr == "" {
		return "", true
	}
	return addr, false
}

func logLevelFromEnv() string {
	if os.Getenv("LOG_VERBOSE") == "1" || os.Getenv("LOG_VERBOSE") == "true" {
		return "debug"
	}
	return "info"
}

// handleTopLevelError logs an error classified by vmerrors and always
// returns 1: every error kind the lifecycle engine raises maps to the
// same exit code, distinguished only by the printed remediation.
func handleTopLevelError(err error) int {
	pterm.Error.Printfln("%s: %v", vmerrors.Classify(err), err)
	return 1
}

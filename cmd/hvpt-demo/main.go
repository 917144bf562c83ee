// Command hvpt-demo replays a YAML region manifest through the page-table
// engine against a real mmap-backed pool: identity-map every region, dump
// the resulting table shape, then defrag and dump again.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/hvpt/internal/hv/arch/arm64"
	"github.com/tinyrange/hvpt/internal/hv/arch/riscv64"
	"github.com/tinyrange/hvpt/internal/hv/hypervisor"
	"github.com/tinyrange/hvpt/internal/hv/mpool"
	"github.com/tinyrange/hvpt/internal/hv/pgtable"
)

func archFor(name string) (pgtable.Arch, error) {
	switch name {
	case "", "arm64":
		return arm64.Arch{}, nil
	case "riscv64":
		return riscv64.Arch{}, nil
	default:
		return nil, fmt.Errorf("unknown arch %q", name)
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	manifestPath := fs.String("manifest", "", "path to a YAML region manifest")
	verbose := fs.Bool("v", false, "enable debug logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *manifestPath == "" {
		return fmt.Errorf("hvpt-demo: -manifest is required")
	}

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	m, err := loadManifest(*manifestPath)
	if err != nil {
		return err
	}

	arch, err := archFor(m.Arch)
	if err != nil {
		return err
	}

	pool := mpool.NewMmapPool(pgtable.EntriesPerTable(arch))

	if err := engineInit(arch, pool); err != nil {
		return err
	}

	bar := progressbar.Default(int64(len(m.Regions)), "replaying regions")
	for _, r := range m.Regions {
		mode, err := parseMode(r.Mode)
		if err != nil {
			return err
		}
		if err := hypervisor.CurrentEngine().IdentityMap(r.Begin, r.End, mode, pool); err != nil {
			return fmt.Errorf("hvpt-demo: map region %q: %w", r.Name, err)
		}
		slog.Debug("hvpt-demo: mapped region", "name", r.Name, "begin", r.Begin, "end", r.End, "mode", mode.String())
		bar.Add(1)
	}
	bar.Close()

	fmt.Println("--- before defrag ---")
	hypervisor.CurrentEngine().PageTable().Dump(os.Stdout, pool)

	if err := hypervisor.CurrentEngine().Defrag(pool); err != nil {
		return fmt.Errorf("hvpt-demo: defrag: %w", err)
	}

	fmt.Println("--- after defrag ---")
	hypervisor.CurrentEngine().PageTable().Dump(os.Stdout, pool)

	return nil
}

// engineInit brings the process-wide hypervisor table up with an empty
// image layout: the demo has no real text/rodata/data regions of its own,
// so every region comes from the manifest instead.
func engineInit(arch pgtable.Arch, pool pgtable.Pool) error {
	_, err := hypervisor.EngineInit(arch, hypervisor.Layout{}, pool)
	if err != nil {
		return fmt.Errorf("hvpt-demo: engine init: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("hvpt-demo: fatal", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"envelope-engine/internal/driver"
	"envelope-engine/internal/platform/config"
	"envelope-engine/internal/platform/logger"
)

// main is a thin operator CLI over the driver loader: list what a driver
// directory contains and lint definitions before deployment. Loading a
// driver runs the full validation path, so a clean lint means the engine
// will accept it.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	dir := flag.String("dir", cfg.DriverDir, "driver definition directory")
	flag.Parse()

	if *dir == "" {
		log.Fatal("driver directory is required (-dir or ENVELOPE_DRIVER_DIR)")
	}

	loader := driver.NewLoader(*dir)

	switch flag.Arg(0) {
	case "list":
		refs, err := loader.List()
		if err != nil {
			log.Fatalf("list drivers: %v", err)
		}
		for _, ref := range refs {
			fmt.Printf("%s@%s\n", ref.ID, ref.Version)
		}

	case "lint":
		targets := flag.Args()[1:]
		if len(targets) == 0 {
			refs, err := loader.List()
			if err != nil {
				log.Fatalf("list drivers: %v", err)
			}
			for _, ref := range refs {
				targets = append(targets, ref.ID+"@"+ref.Version)
			}
		}

		failed := 0
		for _, target := range targets {
			id, version, _ := strings.Cut(target, "@")
			d, err := loader.Load(id, version)
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", target, err)
				continue
			}
			fmt.Printf("OK   %s (%d documents, %d checklist items, %d signals, %d gates)\n",
				d.Key(), len(d.Documents), len(d.Checklist), len(d.Signals), len(d.Gates))
		}
		if failed > 0 {
			os.Exit(1)
		}

	default:
		fmt.Fprintln(os.Stderr, "usage: driverctl [-dir path] list | lint [id[@version] ...]")
		os.Exit(2)
	}
}

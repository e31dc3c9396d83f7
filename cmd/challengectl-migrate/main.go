package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ckoval7/challengectl/pkg/storage"
)

// challengectl-migrate opens the controller database and applies any
// pending schema migrations. Opening the store runs them; this binary
// exists so operators can migrate explicitly before starting a new
// controller version.
func main() {
	dataDir := flag.String("data-dir", "/var/lib/challengectl", "Controller data directory")
	flag.Parse()

	store, err := storage.NewBoltStore(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	version, err := store.SchemaVersion()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read schema version: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("database at schema version %d\n", version)
}

// kiln-migrate creates the master database schema, or upgrades an
// existing database to the schema revision this build requires. The
// master itself never mutates the schema; it refuses to start on a
// version mismatch and points the operator here.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/kilnworks/kiln/pkg/db"
)

var (
	dsn    = flag.String("dsn", "/var/lib/kiln/kiln.db", "Database path")
	dryRun = flag.Bool("dry-run", false, "Report what would happen without changing anything")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Printf("Kiln schema tool, target version %d", db.SchemaVersion)
	log.Printf("Database: %s", *dsn)

	if _, err := os.Stat(*dsn); os.IsNotExist(err) {
		if *dryRun {
			log.Println("No database present; would create the schema.")
			return
		}
		store, err := db.Initialize(*dsn)
		if err != nil {
			log.Fatalf("Failed to create schema: %v", err)
		}
		store.Close()
		log.Println("Schema created.")
		return
	}

	store, err := db.Open(*dsn)
	if err == nil {
		store.Close()
		log.Printf("Database already at version %d, nothing to do.", db.SchemaVersion)
		return
	}

	// Version 1 is the first schema revision, so there is no older
	// database to upgrade yet; upgrade steps for later revisions land
	// here. An unreadable version means the file is not a kiln database.
	log.Fatalf("Cannot migrate: %v", err)
}

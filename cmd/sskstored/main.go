package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mirisle/sskstore"
)

func main() {

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var dbPath = flag.String("db", "sskstore-items.db", "path to the durable checker-item database")
	var storePath = flag.String("store", "sskstore-blocks.db", "path to the durable block store")
	var prios = flag.Int("prios", 8, "number of request priority classes (must match the host scheduler)")
	var bootID = flag.Int64("bootid", time.Now().UnixNano(), "boot session id; defaults to a fresh one per start")
	var handle = flag.Int64("handle", 1, "node database handle owning the persistent work")
	flag.Parse()

	cfg := &sskstore.Config{
		NumPriorityClasses: *prios,
		ItemDBPath:         *dbPath,
		StorePath:          *storePath,
	}

	itemDB, err := sskstore.OpenItemDB(cfg.ItemDBPath)
	if err != nil {
		log.Fatalf("could not open item database: %v", err)
	}
	defer itemDB.Close()

	boltStore, err := sskstore.OpenBoltStore(cfg.StorePath)
	if err != nil {
		log.Fatalf("could not open block store: %v", err)
	}
	defer boltStore.Close()

	// working set in front, durable CHK records behind.
	store := sskstore.NewLayeredStore(sskstore.NewMemStore(), boltStore)

	runner := sskstore.NewDBJobRunner(itemDB)
	ctx := &sskstore.ClientContext{
		BootID:       *bootID,
		NodeDBHandle: *handle,
		Registry:     sskstore.NewGetterRegistry(),
		JobRunner:    runner,
	}
	runner.Start(ctx)

	checker := sskstore.NewDatastoreChecker(store, ctx, cfg)
	checker.Start("sskstored")

	fmt.Printf("sskstored up: items='%v' blocks='%v' bootID=%v\n", *dbPath, *storePath, *bootID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\nsskstored: shutting down.\n")
	checker.Stop()
	runner.Stop()
}

package main

import (
	"flag"
	"os"

	"github.com/dmehra2102/Travel-Booking-System/migrations"
	"github.com/dmehra2102/Travel-Booking-System/pkg/config"
	"github.com/dmehra2102/Travel-Booking-System/pkg/logging"
)

func main() {
	down := flag.Bool("down", false, "roll back all migrations")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	if *down {
		err = migrations.Down(cfg.PGURL)
	} else {
		err = migrations.Up(cfg.PGURL)
	}
	if err != nil {
		log.Error("migration failed", "down", *down, "err", err)
		os.Exit(1)
	}
	log.Info("migrations applied", "down", *down)
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetyard/fleetyard/internal/config"
	monitorserver "github.com/fleetyard/fleetyard/internal/monitor_server"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/fleetyard/fleetyard/pkg/log"
	"github.com/sirupsen/logrus"
)

func main() {
	log := log.InitLogs()
	log.Println("Starting rollout monitor")
	defer log.Println("Rollout monitor stopped")

	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		log.Fatalf("reading configuration: %v", err)
	}
	log.Printf("Using config: %s", cfg)

	logLvl, err := logrus.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		logLvl = logrus.InfoLevel
	}
	log.SetLevel(logLvl)

	log.Println("Initializing data store")
	db, err := store.InitDB(cfg, log)
	if err != nil {
		log.Fatalf("initializing data store: %v", err)
	}

	st := store.NewStore(db, log.WithField("pkg", "store"))
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	server := monitorserver.New(cfg, log, st, db)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("Error running server: %s", err)
	}
}

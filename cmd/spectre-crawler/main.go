// Command spectre-crawler is the crawl driver: parse the seed,
// initialize the frontier engine and geolocator, run the crawl, and
// persist the snapshot.
package main

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/spectre-project/spectre-crawler/internal/address"
	"github.com/spectre-project/spectre-crawler/internal/config"
	"github.com/spectre-project/spectre-crawler/internal/frontier"
	"github.com/spectre-project/spectre-crawler/internal/geo"
	"github.com/spectre-project/spectre-crawler/internal/snapshot"
)

// frontierBudget is the crawl's wall-clock budget: 25 minutes, nested
// inside the 30-minute external guard the (out-of-scope) scheduler
// applies.
const frontierBudget = 25 * time.Minute

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		log.WithField("err", err).Error("invalid configuration")
		return 1
	}

	log.SetLevel(levelFor(cfg.Verbosity))

	host, port, err := address.Parse(cfg.SeedAddr, config.DefaultPort)
	if err != nil {
		log.WithField("err", err).Error("invalid seed address")
		return 1
	}
	seed := address.Canonical(host, port)

	log.WithFields(log.Fields{
		"seed":    seed,
		"network": cfg.Network,
		"output":  cfg.Output,
	}).Info("starting crawl")

	geolocator := geo.New(cfg.APIKey, host)

	engine, err := frontier.New(frontier.Config{
		Network:    cfg.Network,
		Geolocator: geolocator,
		Deadline:   time.Now().Add(frontierBudget),
	})
	if err != nil {
		log.WithField("err", err).Error("failed to initialize frontier engine")
		return 1
	}

	results := engine.Run(context.Background(), []address.Address{seed})

	doc, ok := snapshot.Build(results, time.Now().Unix())
	if !ok {
		log.WithField("contacted", len(results)).Warn("fewer than the minimum number of usable peers, skipping write")
		return 0
	}
	if err := snapshot.Write(cfg.Output, doc); err != nil {
		log.WithField("err", err).Error("failed to write snapshot")
		return 0
	}

	log.Info("done")
	return 0
}

func levelFor(verbosity int) log.Level {
	switch verbosity {
	case 0:
		return log.WarnLevel
	case 1:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}

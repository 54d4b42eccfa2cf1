package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fedhive/engine/aggregate"
	"github.com/fedhive/engine/api"
	"github.com/fedhive/engine/consensus"
	"github.com/fedhive/engine/coordinator"
	"github.com/fedhive/engine/network"
)

const (
	Version = "0.1.0"
	Name    = "fedhive"
)

func main() {
	var (
		nodeID          = flag.String("node-id", "node-1", "identity of this federation host")
		host            = flag.String("host", "0.0.0.0", "bind address for peer messaging")
		port            = flag.Int("port", 5650, "bind port for peer messaging")
		peersFlag       = flag.String("peers", "", "comma-separated peer list as id=tcp://host:port")
		membersFlag     = flag.String("members", "", "comma-separated consensus membership (defaults to node-id plus peer ids)")
		ingestAddr      = flag.String("ingest-addr", ":5651", "bind address for the update ingest server")
		metricsAddr     = flag.String("metrics-addr", ":9095", "bind address for Prometheus metrics")
		strategy        = flag.String("strategy", "fedavg", "aggregation strategy: fedavg, median, trimmed-mean")
		minParticipants = flag.Int("min-participants", 3, "updates required before aggregation")
		target          = flag.Int("target-participants", 10, "nodes selected per round")
		collectTimeout  = flag.Duration("collection-timeout", 2*time.Minute, "deadline for collecting updates")
		autoRound       = flag.Duration("round-interval", 0, "start a round this often (0 disables)")
		version         = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		log.Printf("%s v%s", Name, Version)
		os.Exit(0)
	}

	aggregator, err := buildAggregator(*strategy)
	if err != nil {
		log.Fatalf("fedhive: %v", err)
	}

	cfg := coordinator.DefaultConfig()
	cfg.MinParticipants = *minParticipants
	cfg.TargetParticipants = *target
	cfg.CollectionTimeout = *collectTimeout

	coord := coordinator.NewCoordinator(cfg, aggregator)
	coord.Start()
	defer coord.Stop()

	metrics := api.NewMetrics("fedhive")
	coord.OnRoundComplete(func(round *coordinator.TrainingRound) {
		metrics.RecordRound(round)
		metrics.UpdateCoordinator(coord.GetMetrics())
	})

	peers := parsePeers(*peersFlag)

	members := splitList(*membersFlag)
	if len(members) == 0 {
		members = append(members, *nodeID)
		for id := range peers {
			members = append(members, id)
		}
	}

	var (
		engine    *consensus.Engine
		transport *network.Transport
	)
	if len(members) >= 4 {
		engine, err = consensus.NewEngine(*nodeID, members)
		if err != nil {
			log.Fatalf("fedhive: consensus setup: %v", err)
		}
		engine.OnCommit(func(proposal *consensus.Proposal) {
			log.Printf("fedhive: proposal %s finalized", proposal.ID)
			metrics.UpdateConsensus(engine.GetStats())
		})
	} else {
		log.Printf("fedhive: running without consensus (%d members, need 4)", len(members))
	}

	if len(peers) > 0 {
		transport = network.NewTransport(*nodeID, *host, *port)
		for id, addr := range peers {
			transport.RegisterPeer(id, addr)
		}
		if err := transport.Start(); err != nil {
			log.Fatalf("fedhive: transport: %v", err)
		}
		defer transport.Stop()

		network.NewCoordinatorBridge(coord, transport)
		if engine != nil {
			network.NewConsensusBridge(engine, transport)
		}

		announcer := network.NewModelAnnouncer(transport)
		announcer.Start()
		defer announcer.Stop()

		coord.OnModelUpdate(func(model *coordinator.GlobalModel) {
			if err := announcer.Announce(model); err != nil {
				log.Printf("fedhive: model announcement incomplete: %v", err)
			}
		})
	}

	auth := api.NewAuthenticatorFromEnv()
	if auth.IsEnabled() {
		log.Printf("fedhive: ingest auth enabled (token: %s)", auth.GetToken())
	}
	ingest := api.NewIngestServer(coord, auth, metrics, *ingestAddr)
	if err := ingest.StartAsync(); err != nil {
		log.Fatalf("fedhive: ingest server: %v", err)
	}
	defer ingest.Stop()

	metricsServer := api.NewMetricsServer(*metricsAddr)
	metricsServer.StartAsync()
	defer metricsServer.Stop()

	stopRounds := make(chan struct{})
	go roundDriver(coord, *autoRound, stopRounds)
	defer close(stopRounds)

	log.Printf("%s v%s up: node=%s ingest=%s metrics=%s peers=%d",
		Name, Version, *nodeID, ingest.Addr(), *metricsAddr, len(peers))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("fedhive: shutting down")
}

// roundDriver expires stuck rounds and, when enabled, opens new ones on a
// fixed cadence.
func roundDriver(coord *coordinator.Coordinator, interval time.Duration, stop <-chan struct{}) {
	expiry := time.NewTicker(5 * time.Second)
	defer expiry.Stop()

	var roundTick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		roundTick = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-expiry.C:
			coord.CheckRoundTimeout()
		case <-roundTick:
			if round := coord.StartRound(); round != nil {
				log.Printf("fedhive: round %d started with %d nodes",
					round.RoundNumber, len(round.SelectedNodes))
			}
		}
	}
}

func buildAggregator(name string) (coordinator.Aggregator, error) {
	switch name {
	case "fedavg":
		return aggregate.NewFedAvg(), nil
	case "median":
		return aggregate.NewMedian(), nil
	case "trimmed-mean":
		return aggregate.NewTrimmedMean(), nil
	default:
		return nil, fmt.Errorf("unknown aggregation strategy %q", name)
	}
}

func parsePeers(raw string) map[string]string {
	peers := make(map[string]string)
	for _, entry := range splitList(raw) {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			log.Printf("fedhive: ignoring malformed peer entry %q", entry)
			continue
		}
		peers[parts[0]] = parts[1]
	}
	return peers
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

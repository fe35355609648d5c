// Package sim bootstraps and drives one simulation host: settings,
// membership handshake, dispatcher, collector, island workers, and the
// final shutdown fan-out.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/archipelago-sim/archipelago/internal/config"
	"github.com/archipelago-sim/archipelago/internal/dispatch"
	"github.com/archipelago-sim/archipelago/internal/island"
	"github.com/archipelago-sim/archipelago/internal/mailbox"
	"github.com/archipelago-sim/archipelago/internal/message"
	"github.com/archipelago-sim/archipelago/internal/metrics"
	"github.com/archipelago-sim/archipelago/internal/network"
	"github.com/archipelago-sim/archipelago/internal/routing"
	"github.com/archipelago-sim/archipelago/internal/worldmap"
)

// Start is the host entry point: check the argument count declared by
// the caller, load the settings named by the second argument, and run
// the simulation. The remaining arguments belong to user code.
func Start(factory island.Factory, hub *metrics.Hub, expectedArgs int) error {
	args, err := config.ParseArgs(expectedArgs)
	if err != nil {
		return err
	}
	settings, err := config.Load(args[1])
	if err != nil {
		return err
	}
	logger := config.NewLogger(settings.LogLevel)
	return Run(context.Background(), logger, settings, factory, hub)
}

// Run executes one host's full lifecycle and blocks until shutdown.
func Run(ctx context.Context, logger *slog.Logger, settings *config.Settings, factory island.Factory, hub *metrics.Hub) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("initializing simulation",
		"islands", settings.Islands, "global_sync", settings.Network.GlobalSync.Sync)

	netctx, err := network.NewContext(settings.Network, logger)
	if err != nil {
		return err
	}
	dis, coll, err := netctx.Init(ctx)
	if err != nil {
		netctx.Close()
		return err
	}

	islands := int(settings.Islands)
	mailboxes := make([]*mailbox.Queue[message.Message], islands)
	senders := make([]*mailbox.Sender[message.Message], islands)
	ids := make([]uuid.UUID, islands)
	for i := range mailboxes {
		mailboxes[i] = mailbox.New[message.Message]()
		senders[i] = mailboxes[i].Sender()
		ids[i] = uuid.New()
	}

	queue := mailbox.New[routing.Command]()
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()

	var tasks sync.WaitGroup
	teardown := func() {
		queue.Close()
		stopDispatch()
		stopMetrics()
		netctx.Close()
		tasks.Wait()
	}

	if hub != nil && settings.Network.MetricsPort > 0 {
		addr := fmt.Sprintf("%s:%d", settings.Network.HostIP, settings.Network.MetricsPort)
		tasks.Add(1)
		go func() {
			defer tasks.Done()
			if err := hub.Serve(metricsCtx, addr, logger); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	dispatcher := dispatch.NewDispatcher(queue, dis, islands, logger)
	ready := make(chan struct{})
	tasks.Add(1)
	go func() {
		defer tasks.Done()
		dispatcher.Run(dispatchCtx, ready)
	}()
	<-ready

	var owners []message.OwnedFragment
	var pending []network.Record
	if settings.Network.Map.ChunkLen > 0 {
		owners, pending, err = exchangeOwners(settings, netctx.Self(), ids, queue.Sender(), coll, logger)
		if err != nil {
			teardown()
			return err
		}
	}

	collBook := routing.NewAddressBook(queue.Sender(), slices.Clone(senders), slices.Clone(ids))
	collector := dispatch.NewCollector(coll, collBook, hub, pending, logger)
	tasks.Add(1)
	go func() {
		defer tasks.Done()
		collector.Run()
	}()

	var barrier *island.Barrier
	if settings.IslandsSync {
		barrier = island.NewBarrier(islands)
	}

	start := time.Now()
	var group errgroup.Group
	for i := 0; i < islands; i++ {
		book := routing.NewAddressBook(queue.Sender(), without(senders, i), without(ids, i))
		env := island.NewEnv(book, start, hub)
		if owners != nil {
			self := message.FragmentOwner{Host: netctx.Self(), Island: ids[i]}
			env.Map, err = worldmap.NewInstance(settings.Network.Map.ChunkLen, owners, self)
			if err != nil {
				teardown()
				return err
			}
		}
		isl, err := factory.Create(ids[i], env)
		if err != nil {
			teardown()
			return fmt.Errorf("create island %s: %w", ids[i], err)
		}
		worker := island.NewWorker(ids[i], isl, mailboxes[i], barrier, queue.Sender(), logger)
		group.Go(func() error {
			if settings.Network.GlobalSync.Sync {
				worker.RunGlobalSync()
			} else {
				worker.RunLocal(settings.Turns)
			}
			return nil
		})
	}
	group.Wait()
	logger.Info("all islands finished")

	if !settings.Network.GlobalSync.Sync {
		if err := queue.Sender().Send(routing.Command{Kind: routing.Info, Msg: message.FinSim()}); err != nil {
			logger.Debug("dispatcher already finished")
		}
		collector.Ctrl() <- message.FinSim()
	}
	teardown()
	logger.Info("simulation finished")
	return nil
}

// exchangeOwners distributes the grid ownership table before the
// collector starts: the coordinator collects every host's island
// announcement and broadcasts the assignment, everyone else announces
// and waits. Records read past on the subscriber are returned for the
// collector to replay.
func exchangeOwners(settings *config.Settings, self message.Addr, ids []uuid.UUID, dispatcherTx *mailbox.Sender[routing.Command], coll *network.CollectorCtx, logger *slog.Logger) ([]message.OwnedFragment, []network.Record, error) {
	chunkLen := settings.Network.Map.ChunkLen
	var pending []network.Record

	if settings.Network.IsCoordinator {
		hosts := []worldmap.HostIslands{{Host: self, Islands: ids}}
		for len(hosts) < settings.Network.HostsNum {
			rec, ok := <-coll.Sub.Recv()
			if !ok {
				return nil, nil, fmt.Errorf("subscriber closed while collecting island announcements")
			}
			if rec.Msg.Kind != message.KindIslands {
				pending = append(pending, rec)
				continue
			}
			addr, err := message.ParseAddr(rec.From)
			if err != nil {
				logger.Warn("ignoring island announcement with bad identity", "from", rec.From)
				continue
			}
			hosts = append(hosts, worldmap.HostIslands{Host: addr, Islands: rec.Msg.IslandIDs})
		}
		owners := worldmap.AssignOwners(chunkLen, hosts)
		logger.Info("broadcasting grid ownership", "fragments", len(owners))
		err := dispatcherTx.Send(routing.Command{Kind: routing.Broadcast, Msg: message.Owners(owners)})
		return owners, pending, err
	}

	if err := dispatcherTx.Send(routing.Command{Kind: routing.Broadcast, Msg: message.Islands(ids)}); err != nil {
		return nil, nil, err
	}
	logger.Info("waiting for grid ownership")
	for rec := range coll.Sub.Recv() {
		switch rec.Msg.Kind {
		case message.KindOwners:
			return rec.Msg.MapOwners, pending, nil
		case message.KindIslands:
			// Another host's announcement; only the coordinator cares.
		default:
			pending = append(pending, rec)
		}
	}
	return nil, nil, fmt.Errorf("subscriber closed while waiting for grid ownership")
}

func without[T any](items []T, i int) []T {
	out := make([]T, 0, len(items)-1)
	out = append(out, items[:i]...)
	return append(out, items[i+1:]...)
}

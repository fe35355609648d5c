// Package syncserver implements the optional global sync server: it
// assembles the cluster membership, then drives the shared logical
// clock by publishing NextTurn signals and collecting per-host TurnDone
// acknowledgements.
package syncserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/archipelago-sim/archipelago/internal/config"
	"github.com/archipelago-sim/archipelago/internal/message"
	"github.com/archipelago-sim/archipelago/internal/metrics"
	"github.com/archipelago-sim/archipelago/internal/network"
)

// Run executes the sync server until the configured turn count is
// exhausted and FinSim has been published.
func Run(ctx context.Context, settings *config.ServerSettings, hub *metrics.Hub, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	identity := fmt.Sprintf("%s:%d", settings.IP, settings.PubPort)

	rep, err := network.ListenReply(settings.IP, settings.RepPort, logger)
	if err != nil {
		return err
	}
	defer rep.Close()
	pub, err := network.ListenPub(settings.IP, settings.PubPort, identity, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	var metricsDone sync.WaitGroup
	defer func() {
		stopMetrics()
		metricsDone.Wait()
	}()
	if hub != nil && settings.MetricsPort > 0 {
		addr := fmt.Sprintf("%s:%d", settings.IP, settings.MetricsPort)
		metricsDone.Add(1)
		go func() {
			defer metricsDone.Done()
			if err := hub.Serve(metricsCtx, addr, logger); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	table, err := network.WaitForHosts(ctx, rep, settings.Hosts, logger)
	if err != nil {
		return err
	}
	if err := pub.Publish(network.ServerInfoKey, identity, message.IpTable(table)); err != nil {
		return err
	}
	if err := network.WaitForConfirmations(ctx, rep, settings.Hosts, logger); err != nil {
		return err
	}

	logger.Info("starting simulation", "hosts", settings.Hosts, "turns", settings.Turns)
	for turn := uint32(1); turn <= settings.Turns; turn++ {
		logger.Info("next turn", "turn", turn)
		if err := pub.Publish(network.ServerInfoKey, identity, message.NextTurn(turn)); err != nil {
			return err
		}
		if err := waitForTurnDone(ctx, rep, settings.Hosts, hub, identity, logger); err != nil {
			return err
		}
	}
	logger.Info("finishing simulation")
	return pub.Publish(network.ServerInfoKey, identity, message.FinSim())
}

// waitForTurnDone collects one folded TurnDone per host, acking each
// with Ok. Unexpected messages get Err and the turn continues.
func waitForTurnDone(ctx context.Context, rep *network.ReplySocket, hosts int, hub *metrics.Hub, identity string, logger *slog.Logger) error {
	for count := 0; count < hosts; {
		select {
		case req := <-rep.Requests():
			hub.IncReceived(req.From, identity, metrics.StatusOK)
			if req.Msg.Kind != message.KindTurnDone {
				logger.Warn("unexpected message while waiting for turn acks",
					"from", req.From, "msg", req.Msg.String())
				req.Reply(message.Err())
				continue
			}
			count++
			req.Reply(message.Ok())
		case <-ctx.Done():
			return fmt.Errorf("waiting for turn acks: %w", ctx.Err())
		}
	}
	return nil
}

package main

import (
	"context"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/zaiongc/pos-sync/internal/config"
	"github.com/zaiongc/pos-sync/internal/outbox"
	"github.com/zaiongc/pos-sync/internal/syncer"
)

func main() {
	cfg := config.Load()

	terminalID, err := strconv.ParseInt(cfg.TerminalID, 10, 64)
	if err != nil || terminalID <= 0 {
		log.Fatalf("[pdv-agent] POS_TERMINAL_ID must be a positive integer, got %q", cfg.TerminalID)
	}
	tick, err := time.ParseDuration(cfg.TickInterval)
	if err != nil || tick <= 0 {
		log.Fatalf("[pdv-agent] bad PDV_TICK_INTERVAL %q: %v", cfg.TickInterval, err)
	}

	store, err := outbox.Open(cfg.OutboxPath)
	if err != nil {
		log.Fatalf("[pdv-agent] outbox: %v", err)
	}
	defer store.Close()

	engine := syncer.New(store, syncer.NewClient(cfg.APIBaseURL, cfg.APIToken), terminalID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("[pdv-agent] terminal %d syncing to %s every %s", terminalID, cfg.APIBaseURL, tick)

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[pdv-agent] shutting down")
			return
		case <-t.C:
			res, err := engine.Tick(ctx)
			if err != nil {
				log.Printf("[pdv-agent] tick: %v", err)
				continue
			}
			if res != nil && res.Processed {
				if res.Rejected {
					log.Printf("[pdv-agent] cmd %s (%s) rejected: %s", res.CmdID, res.CmdType, res.Err)
				} else if res.Err != "" {
					log.Printf("[pdv-agent] cmd %s (%s) will retry: %s", res.CmdID, res.CmdType, res.Err)
				} else {
					log.Printf("[pdv-agent] cmd %s (%s) sent", res.CmdID, res.CmdType)
				}
			}
		}
	}
}

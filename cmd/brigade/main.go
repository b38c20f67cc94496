package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/brigadehq/brigade/internal/config"
	"github.com/brigadehq/brigade/internal/dispatch"
	"github.com/brigadehq/brigade/internal/events"
	"github.com/brigadehq/brigade/internal/journal"
	"github.com/brigadehq/brigade/internal/log"
	"github.com/brigadehq/brigade/internal/protocol"
	"github.com/brigadehq/brigade/internal/roster"
	"github.com/brigadehq/brigade/internal/storage"
)

const version = "0.1.0"

var specialities = []string{"grill", "fry", "salad", "pastry"}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "version":
		fmt.Printf("brigade version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`brigade - order dispatch engine

Usage:
  brigade <noun> <action> [flags]

System Commands:
  system start      Run the engine with the built-in service simulation

Config Commands:
  config check      Validate configuration syntax and values

General:
  version           Show version information
  help              Show this help message
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 || args[0] != "start" {
		fmt.Fprintln(os.Stderr, "Usage: brigade system start [flags]")
		return 1
	}

	fs := flag.NewFlagSet("system start", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	staffCount := fs.Int("staff", 5, "number of simulated staff")
	orderCount := fs.Int("orders", 100, "number of simulated orders")
	_ = fs.Parse(args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
		if err != nil {
			logger.Error("failed to open journal database", "error", err)
			return 1
		}
		defer db.Close()
		jnl = journal.New(db)
	}

	hub := events.NewHub(cfg.Service.HubCapacity)
	evCh, cancelSub := hub.Subscribe()
	defer cancelSub()
	go func() {
		for ev := range evCh {
			logger.Debug("lifecycle event", "type", ev.Type, "seq", ev.Seq)
		}
	}()

	disp := dispatch.New(roster.New(), jnl, hub, cfg)

	logger.Info("service starting", "name", cfg.Service.Name,
		"staff", *staffCount, "orders", *orderCount)

	if err := runSimulation(ctx, disp, *staffCount, *orderCount); err != nil {
		logger.Error("simulation failed", "error", err)
		return 1
	}

	if jnl != nil {
		counts, err := jnl.CountByStatus(ctx)
		if err != nil {
			logger.Error("failed to read journal summary", "error", err)
			return 1
		}
		for status, n := range counts {
			logger.Info("journal summary", "status", string(status), "count", n)
		}
	}
	return 0
}

// runSimulation drives the engine end to end: staff goroutines serving on
// in-memory pipes, requester goroutines pushing tickets and awaiting
// receipts, and every event funneled through the dispatcher's entry point.
func runSimulation(ctx context.Context, disp *dispatch.Dispatcher, staffCount, orderCount int) error {
	var staffWG sync.WaitGroup
	staffIDs := make([]string, 0, staffCount)
	staffPipes := make([]*protocol.Pipe, 0, staffCount)

	for i := 0; i < staffCount; i++ {
		id := fmt.Sprintf("staff-%02d", i+1)
		staffIDs = append(staffIDs, id)
		spe := specialities[i%len(specialities)]

		dispatcherEnd, staffEnd := protocol.NewPipe(1)
		staffPipes = append(staffPipes, dispatcherEnd)
		staffWG.Add(1)
		go func() {
			defer staffWG.Done()
			serveStaff(ctx, id, staffEnd)
		}()

		ev := protocol.Event{
			Kind:         protocol.KindStaffOnDuty,
			StaffID:      id,
			Specialities: []string{spe},
			Channel:      dispatcherEnd,
		}
		if err := disp.Handle(ctx, ev); err != nil {
			return fmt.Errorf("register %s: %w", id, err)
		}
	}

	var orderWG sync.WaitGroup
	for i := 0; i < orderCount; i++ {
		spe := ""
		if i%3 == 0 {
			spe = specialities[i%len(specialities)]
		}

		dispatcherEnd, requesterEnd := protocol.NewPipe(1)
		orderWG.Add(1)
		go func(n int, spe string) {
			defer orderWG.Done()
			placeOrder(ctx, n, spe, requesterEnd)
		}(i, spe)

		ev := protocol.Event{
			Kind:       protocol.KindOrder,
			Speciality: spe,
			Channel:    dispatcherEnd,
		}
		if err := disp.Handle(ctx, ev); err != nil {
			log.WithComponent("sim").Warn("order not relayed", "error", err)
		}
	}
	orderWG.Wait()

	for i, id := range staffIDs {
		ev := protocol.Event{Kind: protocol.KindStaffOffDuty, StaffID: id}
		if err := disp.Handle(ctx, ev); err != nil {
			return fmt.Errorf("deregister %s: %w", id, err)
		}
		staffPipes[i].Close()
	}
	staffWG.Wait()
	return nil
}

// serveStaff answers tickets on the staff end of a pipe until it closes.
func serveStaff(ctx context.Context, id string, ch *protocol.Pipe) {
	defer ch.Close()
	for {
		payload, err := ch.Pull(ctx)
		if err != nil {
			return
		}

		receipt := protocol.Receipt{Status: "ok", StaffID: id}
		if _, err := protocol.DecodeTicket(bytes.NewReader(payload)); err != nil {
			receipt = protocol.Receipt{Status: "error", Error: err.Error(), StaffID: id}
		}

		out, err := json.Marshal(receipt)
		if err != nil {
			return
		}
		if err := ch.Push(ctx, out); err != nil {
			return
		}
	}
}

// placeOrder plays the requester side of one order.
func placeOrder(ctx context.Context, n int, speciality string, ch *protocol.Pipe) {
	defer ch.Close()

	var buf bytes.Buffer
	ticket := protocol.Ticket{
		Protocol:   1,
		OrderID:    fmt.Sprintf("sim-order-%04d", n),
		Speciality: speciality,
		Items:      []string{"daily special"},
	}
	if err := protocol.EncodeTicket(&buf, &ticket); err != nil {
		return
	}

	if err := ch.Push(ctx, buf.Bytes()); err != nil {
		return
	}
	_, _ = ch.Pull(ctx)
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || args[0] != "check" {
		fmt.Fprintln(os.Stderr, "Usage: brigade config check [flags]")
		return 1
	}

	fs := flag.NewFlagSet("config check", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	_ = fs.Parse(args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config check failed: %v\n", err)
		return 1
	}

	fmt.Printf("Config OK: service=%s relay_timeout=%s journal=%v\n",
		cfg.Service.Name, cfg.Service.RelayTimeout.Std(), cfg.Journal.Enabled)
	return 0
}

// loadConfig loads the file if present, otherwise falls back to defaults so
// the simulation runs out of the box.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"beaconattend/internal/app"
	"beaconattend/internal/attendance"
	"beaconattend/internal/config"
	"beaconattend/internal/export"
	"beaconattend/internal/queue"
)

// Worker consumes attendance events, writes a CSV for every closed session,
// and sweeps expired sessions.
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if cfg.QueueBackend == "memory" {
		log.Println("WARNING: in-memory queue is process local, the worker will see no API events")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer a.Close()

	if err := a.Roster.Watch(ctx); err != nil {
		log.Printf("warning: roster watch disabled: %v", err)
	}
	if cfg.SweepEnabled {
		go attendance.NewSweeper(a.Service, cfg.SweepInterval).Run(ctx)
	}

	messages, err := a.Queue.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	exporter := export.New(a.Service)
	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		handle(ctx, exporter, cfg.ExportDir, msg)
	}

	log.Println("worker stopped")
}

func handle(ctx context.Context, exporter *export.Exporter, dir string, msg queue.Message) {
	evt, err := queue.DecodeEvent(msg)
	if err != nil {
		log.Printf("skipping message %s: %v", msg.Type, err)
		return
	}
	switch evt.Type {
	case attendance.EventSessionClosed:
		path, err := exporter.WriteToDir(ctx, dir, evt.SessionID)
		if err != nil {
			log.Printf("export session %s failed: %v", evt.SessionID, err)
			return
		}
		log.Printf("session %s closed with %d absent, export written to %s", evt.SessionID, evt.AbsentCount, path)
	case attendance.EventCheckIn:
		log.Printf("check-in: session=%s student=%s status=%s", evt.SessionID, evt.StudentID, evt.Status)
	}
}

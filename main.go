package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sublink-admin/internal/config"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := NewApp(cfg)
	app.startup(ctx)

	state := app.Initialize()
	log.Printf("Session state: %s", state)

	// Headless deployments can log in from the environment
	if state != "authenticated" {
		username := os.Getenv("SUBLINK_USERNAME")
		password := os.Getenv("SUBLINK_PASSWORD")
		if username != "" && password != "" {
			result := app.Login(username, password, "", true)
			if result.Success {
				log.Printf("Logged in as %s", result.User.Username)
			} else {
				log.Printf("Login failed: %s", result.Message)
			}
		}
	}

	// Periodic status line while background tasks are running
	go monitor(ctx, app)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down", sig)

	app.shutdown(ctx)
}

func monitor(ctx context.Context, app *App) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !app.HasActiveTasks() {
				continue
			}
			tasks := app.ListTasks()
			log.Printf("%d active task(s), %d%% overall", len(tasks), app.OverallTaskPercent())
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ods-labs/agentrt"
	"github.com/ods-labs/agentrt/internal/bus"
	"github.com/ods-labs/agentrt/internal/config"
	"github.com/ods-labs/agentrt/internal/memory"
	"github.com/ods-labs/agentrt/internal/model"
)

func main() {
	configPath := flag.String("config", "configs/agentrt.yaml", "Path to configuration file")
	port := flag.Int("port", 0, "Override server port (0 = use config)")
	flag.Parse()

	log.Println("===============================================")
	log.Println("  agentrt - multi-agent runtime")
	log.Println("===============================================")

	// Load configuration
	var cfg *config.Config
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Printf("[MAIN] Warning: Failed to load config from %s: %v", *configPath, err)
			log.Println("[MAIN] Using default configuration")
			cfg = config.DefaultConfig()
		} else {
			log.Printf("[MAIN] Loaded configuration from %s", *configPath)
			cfg = loaded
		}
	} else {
		log.Println("[MAIN] Config file not found, using defaults")
		cfg = config.DefaultConfig()
	}

	if *port > 0 {
		cfg.Port = *port
	}

	log.Printf("[MAIN] Server port: %d", cfg.Port)
	log.Printf("[MAIN] NATS port: %d", cfg.NATSPort)
	log.Printf("[MAIN] Completion API: %s (%s)", cfg.Model.CompletionURL, cfg.Model.CompletionModel)
	log.Printf("[MAIN] Embedding API: %s (%s)", cfg.Model.EmbeddingURL, cfg.Model.EmbeddingModel)

	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("[MAIN] Failed to create data directory: %v", err)
		}
	}

	// Model and embedder capabilities
	modelHandle := model.NewLMStudioClient(cfg.Model.CompletionURL, cfg.Model.CompletionModel)
	embedder := memory.NewHTTPEmbedder(cfg.Model.EmbeddingURL, cfg.Model.EmbeddingModel)

	facade, err := agentrt.Build(cfg, modelHandle, embedder)
	if err != nil {
		log.Fatalf("[MAIN] Failed to build runtime: %v", err)
	}
	log.Printf("[MAIN] Runtime initialized (store: %s, agents: %v)", cfg.Store.Path, facade.ListAgents())

	// Start embedded NATS server for the observability bus
	natsServer, err := bus.StartEmbedded(cfg.NATSPort)
	if err != nil {
		log.Fatalf("[MAIN] Failed to start NATS server: %v", err)
	}
	log.Printf("[MAIN] Embedded NATS server started on port %d", cfg.NATSPort)

	natsURL := fmt.Sprintf("nats://localhost:%d", cfg.NATSPort)
	busClient, err := bus.Connect(natsURL, "agentrtd")
	if err != nil {
		log.Printf("[MAIN] Warning: bus client unavailable: %v", err)
	} else {
		facade.SetBus(busClient)
	}

	// HTTP introspection and chat endpoints
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","queue_len":%d,"pending_jobs":%d}`,
			facade.QueueLen(), facade.PendingJobs())
	})

	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(facade.ListAgents())
	})

	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		agentName := r.URL.Query().Get("agent")
		if agentName == "" {
			agentName = "chat"
		}
		body, err := io.ReadAll(r.Body)
		if err != nil || len(body) == 0 {
			http.Error(w, "request body required", http.StatusBadRequest)
			return
		}

		reply, err := facade.Chat(r.Context(), agentName, string(body))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"agent": agentName, "reply": reply})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	go func() {
		log.Printf("[MAIN] HTTP server starting on port %d", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[MAIN] HTTP server error: %v", err)
		}
	}()

	log.Println("===============================================")
	log.Printf("  agentrt ready!")
	log.Printf("  Health:  http://localhost:%d/healthz", cfg.Port)
	log.Printf("  Agents:  http://localhost:%d/agents", cfg.Port)
	log.Printf("  Chat:    POST http://localhost:%d/chat?agent=chat", cfg.Port)
	log.Println("===============================================")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[MAIN] Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("[MAIN] HTTP server shutdown error: %v", err)
	}

	// Drains queued persistence, stops the scheduler, closes the store.
	if err := facade.Close(); err != nil {
		log.Printf("[MAIN] Runtime shutdown error: %v", err)
	}

	busClient.Close()
	natsServer.Shutdown()

	log.Println("[MAIN] agentrt shutdown complete")
}

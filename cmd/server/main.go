package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m2tx/weather_agent/internal/agent"
	"github.com/m2tx/weather_agent/internal/app"
	"github.com/m2tx/weather_agent/internal/config"
	"github.com/m2tx/weather_agent/internal/logger"
	"github.com/m2tx/weather_agent/internal/model"
	"github.com/m2tx/weather_agent/internal/repository"
	"github.com/m2tx/weather_agent/internal/tracer"
)

type chatAgent interface {
	Send(ctx context.Context, sessionID string, prompt string) (*model.TurnResult, error)
	GetSession(ctx context.Context, sessionID string) ([]model.Message, error)
	ClearSession(ctx context.Context, sessionID string) error
}

func main() {
	if err := start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func start() error {
	configPath := flag.String("config", os.Getenv("WEATHER_AGENT_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	components, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := components.Close(context.Background()); err != nil {
			log.Error("shutdown", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newMux(components.Agent, components.Archive, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// newMux registers the HTTP routes. archive may be nil, in which case
// /turns is not served.
func newMux(a chatAgent, archive repository.TurnArchive, log *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "session_id is required", http.StatusBadRequest)
			return
		}

		if r.Method == http.MethodDelete {
			if err := a.ClearSession(r.Context(), sessionID); err != nil {
				log.Error("clear session", "session_id", sessionID, "error", err)
				http.Error(w, "clear session", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		messages, err := a.GetSession(r.Context(), sessionID)
		if err != nil {
			log.Error("get session", "session_id", sessionID, "error", err)
			http.Error(w, "get session", http.StatusInternalServerError)
			return
		}
		writeJSON(w, messages)
	})

	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			SessionID string `json:"session_id"`
			Prompt    string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.SessionID == "" {
			http.Error(w, "session_id is required", http.StatusBadRequest)
			return
		}

		if req.Prompt == "" {
			http.Error(w, "prompt is required", http.StatusBadRequest)
			return
		}

		resp, err := a.Send(r.Context(), req.SessionID, req.Prompt)
		if err != nil {
			var cerr *agent.CompletionError
			if errors.As(err, &cerr) {
				http.Error(w, cerr.UserMessage(), http.StatusBadGateway)
				return
			}
			log.Error("send", "session_id", req.SessionID, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, resp)
	})

	if archive != nil {
		mux.HandleFunc("/turns", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}

			sessionID := r.URL.Query().Get("session_id")
			if sessionID == "" {
				http.Error(w, "session_id is required", http.StatusBadRequest)
				return
			}

			turns, err := archive.ListSession(r.Context(), sessionID)
			if err != nil {
				log.Error("list turns", "session_id", sessionID, "error", err)
				http.Error(w, "list turns", http.StatusInternalServerError)
				return
			}
			if turns == nil {
				turns = []model.TurnRecord{}
			}
			writeJSON(w, turns)
		})
	}

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(v)
}

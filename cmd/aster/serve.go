package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/asterhq/aster/assets"
	"github.com/asterhq/aster/conversation"
	"github.com/asterhq/aster/dispatch"
	"github.com/asterhq/aster/gateway"
	"github.com/asterhq/aster/idempotency"
	"github.com/asterhq/aster/internal/configutil"
	"github.com/asterhq/aster/internal/logutil"
	"github.com/asterhq/aster/internal/retryutil"
	"github.com/asterhq/aster/journal"
	"github.com/asterhq/aster/providers/openai"
	"github.com/asterhq/aster/risk"
	"github.com/asterhq/aster/schedule"
	"github.com/asterhq/aster/scheduler"
	"github.com/asterhq/aster/session"
	"github.com/asterhq/aster/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the companion service: inbound webhook plus proactive scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			content, err := assets.Load()
			if err != nil {
				return err
			}

			st, err := buildStore(cmd, logger)
			if err != nil {
				return err
			}

			loc, err := schedulerLocation()
			if err != nil {
				return err
			}

			sessions := session.NewManager(st)
			schedules := schedule.NewManagerWithOptions(st, schedule.ManagerOptions{Location: loc})
			journals := journal.NewServiceWithOptions(st, sessions, journal.ServiceOptions{Location: loc})

			model := viper.GetString("llm.model")
			llmClient := openai.New(
				viper.GetString("llm.endpoint"),
				viper.GetString("llm.api_key"),
				viper.GetDuration("llm.request_timeout"),
			)
			classifier := risk.NewLLMClassifier(llmClient, risk.LLMClassifierOptions{Model: model})
			assessor := risk.NewAssessor(classifier, st, schedules, content.CrisisResources, logger)

			gw := gateway.New(logger, gateway.Options{
				BaseURL:    viper.GetString("gateway.base_url"),
				AccountSID: viper.GetString("gateway.account_sid"),
				AuthToken:  viper.GetString("gateway.auth_token"),
				From:       viper.GetString("gateway.from"),
				Timeout:    viper.GetDuration("gateway.timeout"),
			})
			dispatcher := dispatch.New(gw, logger, dispatch.Options{
				MaxSegment: viper.GetInt("dispatch.max_segment"),
				Pacing:     viper.GetDuration("dispatch.pacing"),
			})

			orch := conversation.New(conversation.Deps{
				Guard:      idempotency.NewGuard(st),
				Sessions:   sessions,
				Schedules:  schedules,
				Journals:   journals,
				Assessor:   assessor,
				LLM:        llmClient,
				Dispatcher: dispatcher,
				Content:    content,
				Logger:     logger,
			}, conversation.Options{Model: model})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if viper.GetBool("scheduler.enabled") {
				leader := scheduler.NewLeader(st, scheduler.LeaderOptions{
					ReplicaID: uuid.NewString(),
					LeaseTTL:  viper.GetDuration("scheduler.lease_ttl"),
				})
				sched := scheduler.New(leader, st, schedules, sessions, dispatcher, content, logger, scheduler.Options{
					TickInterval: configutil.FlagOrViperDuration(cmd, "tick-interval", "scheduler.tick_interval"),
				})
				go sched.Run(ctx)
			}

			bind := strings.TrimSpace(configutil.FlagOrViperString(cmd, "server-bind", "server.bind"))
			port := configutil.FlagOrViperInt(cmd, "server-port", "server.port")
			addr := fmt.Sprintf("%s:%d", bind, port)

			srv := &http.Server{
				Addr:              addr,
				Handler:           newWebhookHandler(orch, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server_listening", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("server_shutting_down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().String("server-bind", "", "Bind address (default from config).")
	cmd.Flags().Int("server-port", 0, "Port (default from config).")
	cmd.Flags().Bool("memory-store", false, "Use the in-process store instead of Redis (single replica, dev only).")
	cmd.Flags().Duration("tick-interval", 0, "Scheduler tick interval (default from config).")

	return cmd
}

// buildStore picks Redis (production, shared across replicas) or the
// in-process store, and wraps either in the bounded retry decorator.
func buildStore(cmd *cobra.Command, logger *slog.Logger) (store.Store, error) {
	if configutil.FlagOrViperBool(cmd, "memory-store", "store.memory") {
		logger.Warn("memory_store_enabled", "note", "state is process-local; leader election and idempotency do not span replicas")
		return store.WithRetry(store.NewMemory(), retryutil.Policy{}), nil
	}

	rs, err := store.NewRedis(store.RedisOptions{
		Addr:     viper.GetString("redis.addr"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return store.WithRetry(rs, retryutil.Policy{}), nil
}

func schedulerLocation() (*time.Location, error) {
	name := strings.TrimSpace(viper.GetString("scheduler.timezone"))
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// newWebhookHandler exposes the normalized-event webhook and a health
// probe. Transport-level signature validation happens upstream; by the
// time an event reaches this handler it is trusted input.
func newWebhookHandler(orch *conversation.Orchestrator, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var ev conversation.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, "invalid event payload", http.StatusBadRequest)
			return
		}
		if ev.EventID == "" {
			ev.EventID = uuid.NewString()
		}

		// Acknowledge immediately; the sender's transport retries on
		// anything but a 2xx, and the idempotency guard absorbs those.
		w.WriteHeader(http.StatusAccepted)

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := orch.HandleEvent(ctx, ev); err != nil {
				logger.Error("event_processing_failed", "event_id", ev.EventID, "error", err.Error())
			}
		}()
	})

	return mux
}

// Package main is the entry point for the Celesta learner agent. It runs
// a workshop interactively in the terminal, keeps every state change in a
// local SQLite store, and delivers learning events to the ledger through
// the durable outbox whenever connectivity allows. The agent is built to
// be unplugged: nothing in the interactive loop waits on the network.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/UzyOrg/celesta/config"
	"github.com/UzyOrg/celesta/internal/application/command"
	"github.com/UzyOrg/celesta/internal/application/query"
	"github.com/UzyOrg/celesta/internal/domain/event"
	"github.com/UzyOrg/celesta/internal/domain/workshop"
	"github.com/UzyOrg/celesta/internal/infrastructure/external/ledger"
	"github.com/UzyOrg/celesta/internal/infrastructure/persistence/sqlite"
	"github.com/UzyOrg/celesta/internal/outbox"
	"github.com/UzyOrg/celesta/pkg/circuitbreaker"
	"github.com/UzyOrg/celesta/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.LoadAgent()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sessionID := cfg.Agent.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	actorID := cfg.Agent.ActorID
	if actorID == "" {
		if host, err := os.Hostname(); err == nil {
			actorID = host
		} else {
			actorID = uuid.NewString()
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// stdout belongs to the participant; structured logs go to stderr.
	// ─────────────────────────────────────────────────────────────────────────
	logOpts := logger.DefaultOptions()
	logOpts.Output = os.Stderr
	logOpts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	log := logger.New(logOpts).With(
		logger.Component("agent"),
		logger.SessionID(sessionID),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. WORKSHOP CONTENT
	// ─────────────────────────────────────────────────────────────────────────
	content, err := workshop.LoadFile(cfg.Agent.WorkshopPath)
	if err != nil {
		return fmt.Errorf("failed to load workshop: %w", err)
	}
	log.Info("workshop loaded",
		logger.WorkshopID(content.ID),
		logger.Int("steps", content.StepCount()),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. LOCAL STORE
	// ─────────────────────────────────────────────────────────────────────────
	if err := os.MkdirAll(cfg.Agent.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := sqlite.Open(filepath.Join(cfg.Agent.DataDir, "celesta.db"))
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer store.Close()

	progressRepo := sqlite.NewProgressRepository(store)
	outboxRepo := sqlite.NewOutboxRepository(store)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. LEDGER CLIENT & OUTBOX PIPELINE
	// ─────────────────────────────────────────────────────────────────────────
	clientCfg := ledger.DefaultClientConfig(cfg.Ledger.BaseURL)
	clientCfg.APIKey = cfg.Ledger.APIKey
	clientCfg.Timeout = cfg.Ledger.Timeout
	clientCfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	clientCfg.Breaker = circuitbreaker.LedgerAPIBreaker(func(name string, from, to circuitbreaker.State) {
		log.Info("circuit breaker state change",
			logger.String("breaker", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	})
	client := ledger.NewClient(clientCfg)

	pipelineCfg := outbox.DefaultConfig()
	pipelineCfg.MaxBatchBytes = cfg.Agent.MaxBatchBytes
	pipelineCfg.MaxBatchEvents = cfg.Agent.MaxBatchEvents
	pipelineCfg.BackoffFloor = cfg.Agent.BackoffFloor
	pipelineCfg.BackoffCeiling = cfg.Agent.BackoffCeiling
	pipelineCfg.FlushTimeout = cfg.Agent.FlushTimeout
	pipelineCfg.Logger = log

	pipeline := outbox.NewPipeline(outboxRepo, client, pipelineCfg)
	defer pipeline.Close()

	prober := outbox.NewProber(pipeline, client, cfg.Agent.ProbeInterval, log)
	go prober.Run(ctx)

	// Drain whatever a previous session left queued.
	go func() {
		if err := pipeline.Flush(ctx); err != nil && !errors.Is(err, outbox.ErrFlushInProgress) {
			log.Debug("startup flush incomplete, will retry on backoff", logger.Err(err))
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 6. SESSION
	// ─────────────────────────────────────────────────────────────────────────
	composer := event.NewComposer(actorID, sessionID, cfg.Agent.ClassToken)
	if cfg.Agent.Alias != "" {
		composer = composer.WithAlias(cfg.Agent.Alias)
	}

	completion := query.NewWorkshopCompletedHandler(client, progressRepo, log)

	session := command.NewWorkshopSession(ctx, sessionID, command.SessionDeps{
		Content:   content,
		Store:     progressRepo,
		Publisher: pipeline,
		Composer:  composer,
		Logger:    log,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 7. INTERACTIVE LOOP
	// ─────────────────────────────────────────────────────────────────────────
	if err := runInteractive(ctx, session, content, completion); err != nil {
		return err
	}

	// Best-effort final flush before teardown; anything left stays queued
	// for the next session.
	if err := pipeline.Flush(ctx); err != nil && !errors.Is(err, outbox.ErrFlushInProgress) {
		log.Warn("final flush incomplete, events remain queued", logger.Err(err))
	}

	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// INTERACTIVE LOOP
// ══════════════════════════════════════════════════════════════════════════════

func runInteractive(ctx context.Context, session *command.WorkshopSession, content *workshop.Workshop, completion *query.WorkshopCompletedHandler) error {
	begin, err := session.BeginWorkshop(ctx, command.BeginWorkshopCommand{Resolver: completion})
	if err != nil {
		return fmt.Errorf("failed to begin workshop: %w", err)
	}
	if begin.AlreadyCompleted {
		fmt.Printf("Workshop %q is already completed. Nothing to do.\n", content.Title)
		return nil
	}

	fmt.Printf("── %s ──\n", content.Title)
	fmt.Printf("Step %d of %d. Stars: %d\n", begin.StepIndex+1, content.StepCount(), begin.StarsRemaining)
	fmt.Println(begin.Prompt)
	fmt.Println(`Type your answer, "/hint" for a hint, or "/quit" to leave.`)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue

		case line == "/quit":
			result, err := session.AbandonSession(ctx, command.AbandonSessionCommand{})
			if err != nil {
				return err
			}
			if result.Recorded {
				fmt.Printf("Leaving at step %d. Your progress is saved.\n", result.LastStepIndex+1)
			}
			return nil

		case line == "/hint":
			hint, err := session.RequestHint(ctx, command.RequestHintCommand{})
			if err != nil {
				return err
			}
			if !hint.Granted {
				fmt.Printf("No hint: %s\n", hint.Reason)
				continue
			}
			fmt.Printf("Hint (-%d star): %s\n", hint.Cost, hint.Text)
			fmt.Printf("Stars remaining: %d\n", hint.StarsRemaining)

		default:
			payload, _ := json.Marshal(map[string]string{"answer": line})
			result, err := session.SubmitAnswer(ctx, command.SubmitAnswerCommand{Payload: payload})
			if err != nil {
				return err
			}
			if !result.Correct {
				fmt.Printf("Not quite. Attempts so far: %d\n", result.FailedAttempts)
				continue
			}

			fmt.Printf("Correct! Step score: %d\n", result.Score)
			if result.WorkshopCompleted {
				fmt.Printf("Workshop complete. Stars remaining: %d\n", session.Progress().StarsRemaining)
				return nil
			}

			step, err := content.Step(result.NextStepIndex)
			if err != nil {
				return err
			}
			fmt.Printf("Step %d of %d\n", result.NextStepIndex+1, content.StepCount())
			fmt.Println(step.Prompt)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("input error: %w", err)
	}

	// stdin closed without /quit; treat it as abandonment.
	if _, err := session.AbandonSession(ctx, command.AbandonSessionCommand{}); err != nil && !errors.Is(err, command.ErrSessionClosed) {
		return err
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	openswe "github.com/openswe/openswe"
	"github.com/openswe/openswe/github"
	"github.com/openswe/openswe/internal/config"
	"github.com/openswe/openswe/observer"
	"github.com/openswe/openswe/provider/resolve"
	"github.com/openswe/openswe/sandbox/docker"
	"github.com/openswe/openswe/sandbox/local"
	"github.com/openswe/openswe/store/postgres"
	"github.com/openswe/openswe/store/sqlite"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to openswe.toml")
		repoSlug   = flag.String("repo", "", "target repository as owner/name")
		issue      = flag.Int("issue", 0, "issue number to work on")
		autoAccept = flag.Bool("auto", false, "auto-accept the proposed plan")
		resumeID   = flag.String("resume", "", "thread id to resume")
		response   = flag.String("response", "true", "resume response (JSON)")
		wait       = flag.Duration("wait", 30*time.Minute, "how long to wait for the pipeline")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(*configPath)
	orch := cfg.Orchestrator()
	ctx := context.Background()

	// 1. Thread store
	var store openswe.ThreadStore
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		pg := postgres.New(pool, postgres.WithLogger(logger))
		if err := pg.Init(ctx); err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		store = pg
	default:
		sq := sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
		if err := sq.Init(ctx); err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		defer sq.Close()
		store = sq
	}

	// 2. Observability (optional)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for k, p := range cfg.Observer.Pricing {
			pricing[k] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer: %v", err)
		}
		defer shutdown(context.Background())
	}

	// 3. Model router with per-class fallback chains
	routerOpts := []openswe.RouterOption{openswe.RouterLogger(logger)}
	if inst != nil {
		routerOpts = append(routerOpts, openswe.RouterUsageHook(observer.UsageHook(inst)))
	}
	router := openswe.NewModelRouter(routerOpts...)
	for key, mc := range cfg.Models {
		p, err := resolve.Provider(resolve.Config{
			Provider:    mc.Provider,
			APIKey:      mc.APIKey,
			Model:       mc.Model,
			BaseURL:     mc.BaseURL,
			Temperature: mc.Temperature,
			MaxTokens:   mc.MaxTokens,
		})
		if err != nil {
			log.Fatalf("model %s: %v", key, err)
		}
		if inst != nil {
			p = observer.WrapProvider(p, mc.Model, inst)
		}
		router.AddModel(openswe.ModelConfig{Key: key, Provider: p})
	}
	for _, class := range []openswe.TaskClass{
		openswe.ClassRouter, openswe.ClassSummarizer, openswe.ClassPlanner,
		openswe.ClassProgrammer, openswe.ClassReviewer, openswe.ClassSafety,
	} {
		if chain := cfg.ChainFor(class); len(chain) > 0 {
			router.SetChain(class, chain...)
		}
		if max := cfg.MaxChainFor(class); len(max) > 0 {
			router.SetMaxChain(class, max...)
		}
	}

	// 4. Source control
	var sc openswe.SourceControl
	switch {
	case orch.LocalMode:
		sc = nil
	case cfg.GitHub.PAT != "":
		sc = github.NewWithPAT(cfg.GitHub.PAT, github.WithLogger(logger))
	default:
		client, err := github.NewApp(orch.AppID, cfg.GitHub.InstallationID, orch.AppPrivateKey, github.WithLogger(logger))
		if err != nil {
			log.Fatalf("github app: %v", err)
		}
		sc = client
	}

	// 5. Sandbox provider
	var sandboxes openswe.SandboxProvider
	if orch.LocalMode || cfg.Sandbox.Provider == "local" {
		sandboxes = local.NewProvider(cfg.Sandbox.LocalRoot, local.WithLogger(logger))
	} else {
		dp, err := docker.NewProvider(docker.WithImage(orch.SandboxSnapshotName), docker.WithLogger(logger))
		if err != nil {
			log.Fatalf("docker: %v", err)
		}
		dp.StartReaper(time.Minute)
		defer dp.Close()
		sandboxes = dp
	}

	// 6. Tools, safety gate, runtime, graphs
	registry := openswe.NewToolRegistry()
	openswe.RegisterCoreTools(registry)
	if inst != nil {
		// re-register the core set wrapped with spans
		for _, def := range registry.Definitions() {
			if t, ok := registry.Get(def.Name); ok {
				registry.Register(observer.WrapTool(t, inst))
			}
		}
	}

	runtime := openswe.NewRuntime(store,
		openswe.WithLogger(logger),
		openswe.WithRecursionLimit(orch.RecursionLimit),
	)
	runtime.SetServices(&openswe.Services{
		Router:        router,
		SourceControl: sc,
		Coordinator:   openswe.NewCoordinator(sandboxes, sc, orch, openswe.CoordinatorLogger(logger)),
		Tools:         registry,
		Safety:        openswe.NewSafetyGate(router, openswe.SafetyGateLogger(logger)),
		Tokens:        openswe.NewTokenCounter(),
		Config:        orch,
	})
	for _, build := range []func() (*openswe.CompiledGraph, error){
		openswe.NewManagerGraph, openswe.NewPlannerGraph,
		openswe.NewProgrammerGraph, openswe.NewReviewerGraph,
	} {
		g, err := build()
		if err != nil {
			log.Fatalf("graph: %v", err)
		}
		runtime.RegisterGraph(g)
	}

	dispatcher := openswe.NewDispatcher(runtime, store, orch, openswe.DispatcherLogger(logger))
	if err := dispatcher.Recover(ctx); err != nil {
		log.Fatalf("recover: %v", err)
	}

	// 7. Act on the flags
	switch {
	case *resumeID != "":
		thread, err := dispatcher.ResumeThread(ctx, *resumeID, json.RawMessage(*response))
		if err != nil {
			log.Fatalf("resume: %v", err)
		}
		fmt.Printf("thread %s: %s\n", thread.ID, thread.Status)

	case *issue != 0:
		owner, name, ok := strings.Cut(*repoSlug, "/")
		if !ok {
			log.Fatalf("-repo must be owner/name")
		}
		label := orch.TriggerLabels()[0]
		if *autoAccept {
			label = orch.TriggerLabels()[1]
		}
		session, ok := dispatcher.HandleIssueEvent(ctx, openswe.IssueEvent{
			Action:     "labeled",
			Label:      label,
			Repository: openswe.Repository{Owner: owner, Name: name},
			IssueID:    *issue,
		})
		if !ok {
			log.Fatalf("event not dispatched")
		}
		fmt.Printf("manager thread %s run %s\n", session.ThreadID, session.RunID)
		waitForThread(ctx, store, session.ThreadID, *wait)

	default:
		flag.Usage()
		os.Exit(2)
	}
}

// waitForThread polls until the thread leaves busy status or the deadline
// passes, printing the final status.
func waitForThread(ctx context.Context, store openswe.ThreadStore, threadID string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		thread, err := store.GetThread(ctx, threadID)
		if err == nil && thread.Status != openswe.StatusBusy && thread.Status != openswe.StatusNotStarted {
			fmt.Printf("thread %s: %s\n", thread.ID, thread.Status)
			if thread.Status == openswe.StatusInterrupted && thread.Interrupt != nil {
				fmt.Printf("awaiting input: %s\n", string(thread.Interrupt.Payload))
			}
			return
		}
		time.Sleep(2 * time.Second)
	}
	fmt.Println("timed out waiting for the pipeline")
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/brain/internal/agent"
	"github.com/rakunlabs/brain/internal/bus"
	"github.com/rakunlabs/brain/internal/config"
	"github.com/rakunlabs/brain/internal/crypto"
	"github.com/rakunlabs/brain/internal/memory"
	"github.com/rakunlabs/brain/internal/registry"
	"github.com/rakunlabs/brain/internal/router"
	"github.com/rakunlabs/brain/internal/store"
	"github.com/rakunlabs/brain/internal/store/sqlite3"
	"github.com/rakunlabs/brain/internal/worker"
)

var (
	name    = "brain-worker"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

// run wires a standalone Worker Executor process: it shares the
// brain process's bus and state store config but carries its own agent
// stack so that agent-type jobs can run a fresh companion conversation
// without the worker depending on the HTTP Surface being up.
func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var cipher *crypto.Cipher
	if cfg.Store.EncryptionKey != "" {
		cipher, err = crypto.New(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive store encryption key: %w", err)
		}
	}

	slog.Info("connecting to bus", "url", cfg.Bus.URL)
	b, err := bus.New(bus.Config{
		URL:        cfg.Bus.URL,
		ClientName: cfg.Bus.ClientName,
		StreamName: cfg.Bus.StreamName,
	})
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer b.Close()

	st, err := sqlite3.New(ctx, cfg.Store.SQLite, cipher)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	var agentRunner worker.AgentRunner
	if len(cfg.Router.Providers) > 0 {
		agentRunner, err = buildAgentRunner(ctx, cfg, st, cipher)
		if err != nil {
			return fmt.Errorf("build agent runner: %w", err)
		}
	} else {
		slog.Info("worker: no model providers configured, agent-type jobs will fail")
	}

	workerID := name + "-" + uuid.NewString()
	w := worker.New(b, workerID, agentRunner, cfg.Bus.QueueGroup)

	slog.Info("worker: starting", "id", workerID, "queue", cfg.Bus.QueueGroup)
	return w.Start(ctx)
}

// buildAgentRunner gives this worker process its own agent loop so that
// dispatch_job({type: "agent"}) can run a fresh companion conversation
// without round-tripping back through the brain process.
func buildAgentRunner(ctx context.Context, cfg *config.Config, st store.Store, cipher *crypto.Cipher) (worker.AgentRunner, error) {
	rt, err := router.New(cfg.Router, cipher)
	if err != nil {
		return nil, fmt.Errorf("build model router: %w", err)
	}

	vs, err := memory.NewVectorStore(ctx, cfg.Memory.MilvusAddr, cfg.Memory.Collection, cfg.Memory.EmbeddingDims)
	if err != nil {
		return nil, fmt.Errorf("connect vector store: %w", err)
	}
	emb, err := memory.NewEmbedder(cfg.Memory.Embedder)
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}
	mem := memory.New(cfg.Memory, st, vs, emb, rt)

	reg := registry.New(st)
	reg.RegisterBuiltin(registry.ToolDef{
		Name:        "get_system_info",
		Description: "Report this worker's agent name and build version.",
		InputSchema: map[string]any{"type": "object"},
	}, func(_ context.Context, _ map[string]any) (string, *string, error) {
		hostname, _ := os.Hostname()
		return fmt.Sprintf("worker on %s, version %s", hostname, version), nil, nil
	})
	if err := reg.LoadSkills(ctx); err != nil {
		return nil, fmt.Errorf("load skills: %w", err)
	}

	loop := agent.New(rt, mem, reg, st, cfg.AgentName, cfg.PersonalityDir)
	return loopRunner{loop: loop}, nil
}

// loopRunner adapts agent.Loop's conversation-shaped Run to the narrow
// single-string worker.AgentRunner seam: every agent-type job starts its
// own fresh conversation, so there's no conversation id to carry over.
type loopRunner struct {
	loop *agent.Loop
}

func (l loopRunner) Run(ctx context.Context, goal string) (string, error) {
	res, err := l.loop.Run(ctx, "", goal)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

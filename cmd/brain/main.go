package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/rakunlabs/brain/internal/agent"
	"github.com/rakunlabs/brain/internal/bus"
	"github.com/rakunlabs/brain/internal/cluster"
	"github.com/rakunlabs/brain/internal/config"
	"github.com/rakunlabs/brain/internal/crypto"
	"github.com/rakunlabs/brain/internal/dispatcher"
	"github.com/rakunlabs/brain/internal/extension"
	"github.com/rakunlabs/brain/internal/memory"
	"github.com/rakunlabs/brain/internal/registry"
	"github.com/rakunlabs/brain/internal/router"
	"github.com/rakunlabs/brain/internal/schedule"
	"github.com/rakunlabs/brain/internal/server"
	"github.com/rakunlabs/brain/internal/store"
	"github.com/rakunlabs/brain/internal/store/sqlite3"
	"github.com/rakunlabs/brain/internal/taskpod"
	"github.com/rakunlabs/brain/internal/transfer"
)

var (
	name    = "brain"
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

	rt, err := router.New(cfg.Router, cipher)
	if err != nil {
		return fmt.Errorf("build model router: %w", err)
	}

	mem, err := buildMemoryService(ctx, cfg.Memory, st, rt)
	if err != nil {
		return fmt.Errorf("build memory service: %w", err)
	}

	disp := dispatcher.New(b, st)

	taskTimeout, err := str2duration.ParseDuration(cfg.TaskPod.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("parse task_pod.default_timeout %q: %w", cfg.TaskPod.DefaultTimeout, err)
	}

	orchestrator := taskpod.NewLocalOrchestrator(b, nil)
	tasks := taskpod.New(st, b, orchestrator, cfg.TaskPod.MountAllowlist, taskTimeout)

	reg := registry.New(st)
	registry.RegisterBuiltins(reg, st, disp, mem, tasks, registry.SystemInfo{
		AgentName: cfg.AgentName,
		Version:   version,
	})
	if err := reg.LoadSkills(ctx); err != nil {
		return fmt.Errorf("load skills: %w", err)
	}
	if cfg.Plugins.Manifest != "" {
		if err := registry.LoadJSPlugins(reg, cfg.Plugins.Manifest); err != nil {
			return fmt.Errorf("load plugins: %w", err)
		}
	}

	ext := extension.New(b, reg)

	loop := agent.New(rt, mem, reg, st, cfg.AgentName, cfg.PersonalityDir)

	// The task orchestrator's agent-mode goals run through the same agent
	// loop as chat turns, so the adapter is wired in after loop exists.
	orchestrator.SetGoalRunner(goalRunnerFunc(func(ctx context.Context, goal string) (string, error) {
		res, err := loop.Run(ctx, "", goal)
		if err != nil {
			return "", err
		}
		return res.Text, nil
	}))

	sched := schedule.New(st, disp)

	instanceID := uuid.NewString()
	snapshot := &storeSnapshotSource{store: st}
	machine := transfer.New(b, st, snapshot, instanceID, version)

	clus, err := cluster.New(cfg.Cluster)
	if err != nil {
		return fmt.Errorf("build cluster coordinator: %w", err)
	}

	restarter := func(ctx context.Context) error {
		return reg.LoadSkills(ctx)
	}

	srv := server.New(cfg.Server, cfg.AuthToken, loop, st, mem, reg, sched, rt, restarter)
	srv.SetReadyCheck(machine.AcceptingRequests)

	eg, gctx := newGroup(ctx)

	eg.Go(func() error {
		return disp.Start(gctx)
	})

	eg.Go(func() error {
		return ext.Start(gctx)
	})

	eg.Go(func() error {
		if clus != nil {
			if err := clus.Lock(gctx, cluster.LockScheduler); err != nil {
				slog.Warn("schedule: failed to acquire cluster lock, running locally", "error", err)
			} else {
				defer clus.Unlock(cluster.LockScheduler)
			}
		}
		return sched.Start(gctx)
	})

	if clus != nil {
		eg.Go(func() error {
			return clus.Start(gctx, func(newKey []byte) {
				if err := st.RotateEncryptionKey(gctx, crypto.FromKey(newKey)); err != nil {
					slog.Error("cluster: failed to re-seal secrets under rotated key", "error", err)
				}
			})
		})
	}

	eg.Go(func() error {
		if err := machine.JoinAsPending(gctx); err != nil {
			return fmt.Errorf("transfer: join as pending: %w", err)
		}
		return machine.WatchForSuccessor(gctx)
	})

	eg.Go(func() error {
		if err := srv.Start(gctx); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http surface: %w", err)
		}
		return nil
	})

	return eg.Wait()
}

func buildMemoryService(ctx context.Context, cfg config.Memory, st store.Store, rt *router.Router) (*memory.Service, error) {
	vs, err := memory.NewVectorStore(ctx, cfg.MilvusAddr, cfg.Collection, cfg.EmbeddingDims)
	if err != nil {
		return nil, fmt.Errorf("connect vector store: %w", err)
	}

	emb, err := memory.NewEmbedder(cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}

	return memory.New(cfg, st, vs, emb, rt), nil
}

// storeSnapshotSource adapts the state store to transfer.SnapshotSource:
// everything a draining instance hands off lives in the store already, so
// the snapshot is just two listings away.
type storeSnapshotSource struct {
	store store.Store
}

func (s *storeSnapshotSource) Snapshot(ctx context.Context) (transfer.ActiveSnapshot, error) {
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return transfer.ActiveSnapshot{}, fmt.Errorf("list conversations: %w", err)
	}
	active := make([]string, 0, len(convs))
	for _, c := range convs {
		active = append(active, c.ID)
	}

	scheds, err := s.store.ListSchedules(ctx)
	if err != nil {
		return transfer.ActiveSnapshot{}, fmt.Errorf("list schedules: %w", err)
	}
	pending := make([]string, 0, len(scheds))
	for _, sc := range scheds {
		pending = append(pending, sc.ID)
	}

	return transfer.ActiveSnapshot{
		ActiveConversations: active,
		PendingSchedules:    pending,
	}, nil
}

// goalRunnerFunc adapts a function to taskpod.GoalRunner.
type goalRunnerFunc func(ctx context.Context, goal string) (string, error)

func (f goalRunnerFunc) Run(ctx context.Context, goal string) (string, error) {
	return f(ctx, goal)
}

// group runs a fixed set of goroutines and cancels the rest the moment any
// one of them returns an error, mirroring the fan-out/cancel-on-error shape
// without reaching for a dependency no example repo in the pack actually
// imports (see DESIGN.md).
type group struct {
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
}

func newGroup(ctx context.Context) (*group, context.Context) {
	gctx, cancel := context.WithCancel(ctx)
	return &group{cancel: cancel}, gctx
}

func (g *group) Go(fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(); err != nil {
			g.errOnce.Do(func() {
				g.err = err
			})
			g.cancel()
		}
	}()
}

func (g *group) Wait() error {
	g.wg.Wait()
	g.cancel()
	return g.err
}

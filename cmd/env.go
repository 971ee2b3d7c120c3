package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/campaign"
	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/directory"
	"github.com/sells-group/outreach-cli/internal/dispatch"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/internal/workflow"
)

// outreachEnv holds the store, directory, dispatcher and campaign engine
// shared by the serve, worker and campaign commands.
type outreachEnv struct {
	Store        store.Store
	Directory    directory.Directory
	Orchestrator *campaign.Orchestrator
	Manager      *campaign.Manager
	Circuits     func() map[string]string

	timers   *campaign.TimerScheduler
	temporal client.Client
	dirPool  *pgxpool.Pool
}

// Close releases resources held by the environment.
func (e *outreachEnv) Close() {
	if e.timers != nil {
		e.timers.Close()
	}
	if e.temporal != nil {
		e.temporal.Close()
	}
	if e.dirPool != nil {
		e.dirPool.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv wires the campaign engine for mode. With schedule set, the
// configured checkpoint scheduler is attached; the timer scheduler also
// rearms every live campaign. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, schedule bool) (*outreachEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &outreachEnv{}
	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st
	if err := st.Migrate(ctx); err != nil {
		return nil, eris.Wrap(err, "migrate store")
	}

	env.Directory, err = env.initDirectory(ctx)
	if err != nil {
		return nil, err
	}

	dispatcher, circuits, err := initDispatcher(cfg.Dispatch)
	if err != nil {
		return nil, err
	}
	env.Circuits = circuits

	calc, err := newCalculator()
	if err != nil {
		return nil, err
	}
	fanout := dispatch.NewFanout(dispatcher, dispatch.PolicyFromConfig(cfg.Dispatch), cfg.Dispatch.Concurrency)

	env.Orchestrator = campaign.NewOrchestrator(st, env.Directory, calc, fanout,
		campaign.OptionsFromConfig(cfg.Campaign, cfg.Dispatch))
	env.Manager = campaign.NewManager(env.Orchestrator)

	if schedule {
		if err := env.initScheduler(ctx); err != nil {
			return nil, err
		}
	}

	ok = true
	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "outreach.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initDirectory opens the tier directory. A Postgres directory on the same
// database as a Postgres store shares its pool.
func (e *outreachEnv) initDirectory(ctx context.Context) (directory.Directory, error) {
	switch cfg.Directory.Driver {
	case "file":
		return directory.LoadFile(cfg.Directory.Path)
	case "postgres":
		if ps, ok := e.Store.(*store.PostgresStore); ok && cfg.Directory.DatabaseURL == cfg.Store.DatabaseURL {
			return directory.NewPostgres(ps.Pool()), nil
		}
		pool, err := store.NewPool(ctx, cfg.Directory.DatabaseURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "open directory database")
		}
		e.dirPool = pool
		return directory.NewPostgres(pool), nil
	default:
		return nil, eris.Errorf("unsupported directory driver: %s", cfg.Directory.Driver)
	}
}

// initDispatcher selects the webhook channel when a URL is configured and
// the log dispatcher otherwise.
func initDispatcher(dc config.DispatchConfig) (dispatch.Dispatcher, func() map[string]string, error) {
	if dc.WebhookURL == "" {
		zap.L().Warn("dispatch.webhook_url not set, contacts will only be logged")
		return dispatch.NewLogDispatcher(), nil, nil
	}
	wh, err := dispatch.NewWebhook(dc)
	if err != nil {
		return nil, nil, err
	}
	return wh, wh.CircuitStates, nil
}

func urgencyBaselines(raw map[string]int) (map[model.Urgency]int, error) {
	out := make(map[model.Urgency]int, len(raw))
	for k, n := range raw {
		u, ok := model.ParseUrgency(k)
		if !ok {
			return nil, eris.Errorf("campaign.urgency_baselines: unknown urgency %q", k)
		}
		out[u] = n
	}
	return out, nil
}

func (e *outreachEnv) initScheduler(ctx context.Context) error {
	switch cfg.Scheduler.Driver {
	case "temporal":
		c, err := dialTemporal()
		if err != nil {
			return err
		}
		e.temporal = c
		e.Orchestrator.SetScheduler(workflow.NewScheduler(c, cfg.Scheduler.TaskQueue))
		zap.L().Info("checkpoints scheduled by temporal",
			zap.String("task_queue", cfg.Scheduler.TaskQueue),
		)
	default:
		e.timers = campaign.NewTimerScheduler(e.Manager)
		e.Orchestrator.SetScheduler(e.timers)
		if _, err := e.timers.Recover(ctx, e.Orchestrator); err != nil {
			return eris.Wrap(err, "recover checkpoints")
		}
	}
	return nil
}

func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Scheduler.TemporalHostPort,
		Namespace: cfg.Scheduler.TemporalNamespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	return c, nil
}

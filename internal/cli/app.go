package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/chambrid/storylink/internal/widget"
	"github.com/chambrid/storylink/pkg/association"
	"github.com/chambrid/storylink/pkg/cache"
	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/config"
	"github.com/chambrid/storylink/pkg/deps"
	"github.com/chambrid/storylink/pkg/host"
	"github.com/chambrid/storylink/pkg/metrics"
	"github.com/chambrid/storylink/pkg/saga"
	"github.com/chambrid/storylink/pkg/selection"
	"github.com/chambrid/storylink/pkg/state"
	"github.com/chambrid/storylink/pkg/store"
	"github.com/chambrid/storylink/pkg/story"
)

// app is the wired widget backend shared by every command
type app struct {
	cfg        *config.Config
	log        logr.Logger
	recorder   *metrics.Recorder
	client     client.Client
	cache      cache.Cache
	resolver   *deps.Resolver
	hosts      *host.SQLiteStore
	ui         *host.MemoryUI
	selections *selection.Synchronizer
	manager    *association.Manager
	registry   *widget.Registry

	closers []func() error
	sync    func()
}

// newApp loads the configuration and wires the backend
func newApp(cmd *cobra.Command) (*app, error) {
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")
	cfg, err := config.LoadWithEnvFile(envFiles...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level, format := cfg.LogLevel, cfg.LogFormat
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		format = v
	}
	log, syncLog, err := newLogger(level, format)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, recorder: metrics.NewRecorder(), sync: syncLog}
	if err := a.wire(cmd.Context()); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	c, err := client.NewClient(cfg, a.log, a.recorder)
	if err != nil {
		return fmt.Errorf("failed to create tracker client: %w", err)
	}
	a.client = c

	// the admin client is optional; only backfill and verify need it
	var admin client.Client
	if cfg.AdminToken != "" {
		if admin, err = client.NewAdminClient(cfg, a.log, a.recorder); err != nil {
			return fmt.Errorf("failed to create admin client: %w", err)
		}
	}

	if a.cache, err = cache.New(ctx, cfg); err != nil {
		return fmt.Errorf("failed to create dependency cache: %w", err)
	}
	a.closers = append(a.closers, a.cache.Close)
	a.resolver = deps.NewResolver(c, a.cache, cfg.DependencyCacheTTL, a.log, a.recorder)

	if a.hosts, err = host.NewSQLiteStore(cfg.HostStorePath); err != nil {
		return fmt.Errorf("failed to open host store: %w", err)
	}
	a.closers = append(a.closers, a.hosts.Close)

	journal, err := state.NewFileJournal(cfg.SagaJournalDir, state.FileFormat(cfg.SagaJournalFormat))
	if err != nil {
		return fmt.Errorf("failed to open saga journal: %w", err)
	}
	runner := saga.NewRunner(journal, saga.Options{
		Retries: cfg.SagaStepRetries,
		Backoff: cfg.ExponentialBackoffBase,
	}, a.log, a.recorder)

	a.ui = host.NewMemoryUI()
	a.selections = selection.NewSynchronizer(a.hosts, a.ui, c, selection.Options{
		Prefix: cfg.AppPrefix,
		Features: selection.Features{
			CommentOnNote:  cfg.CommentOnNote,
			CommentOnEmail: cfg.CommentOnReply,
		},
	}, a.log, a.recorder)

	a.manager = association.NewManager(c, a.hosts, a.selections, a.resolver, runner, association.Options{
		HelpdeskLabel: story.HelpdeskLabel{
			Enabled: cfg.AutoTagEnabled(),
			Name:    cfg.HelpdeskLabelName,
			Color:   cfg.HelpdeskLabelColor,
		},
		SelectOnLink:  cfg.SelectOnLink,
		CommentOnLink: cfg.CommentOnLink,
		Admin:         admin,
	}, a.log, a.recorder)

	a.registry = widget.NewRegistry(a.widgetDeps(), widget.Options{
		ActionDelay: cfg.DebounceDelay,
		SearchDelay: cfg.SearchDebounceDelay,
		PageSize:    cfg.SearchPageSize,
		IdleTimeout: cfg.WidgetIdleTimeout,
	}, a.log)
	return nil
}

func (a *app) widgetDeps() widget.Deps {
	return widget.Deps{
		Client:     a.client,
		Resolver:   a.resolver,
		Manager:    a.manager,
		Selections: a.selections,
		UI:         a.ui,
	}
}

// mount returns the mounted widget of the ticket
func (a *app) mount(ctx context.Context, t ticketFlags) (*widget.Widget, error) {
	if t.ID == "" {
		return nil, errors.New("--ticket is required")
	}
	return a.registry.Get(ctx, store.TicketContext{
		TicketID:     t.ID,
		PermalinkURL: t.Permalink,
		AgentEmail:   t.AgentEmail,
	})
}

// Close releases every opened resource in reverse order
func (a *app) Close() error {
	if a.registry != nil {
		a.registry.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if a.sync != nil {
		a.sync()
	}
	return errors.Join(errs...)
}

// withApp runs fn with a wired app and closes it afterwards
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.log.Error(cerr, "Failed to close resources")
		}
	}()
	return fn(cmd.Context(), a)
}

// kilnd is the Kiln daemon entry point: it wires every component
// together and runs the supervisor loop until an operator signal asks
// it to stop. The command layout (a cobra root command with a
// persistent --config flag, and a run subcommand that loads the config
// in its RunE) is grounded on
// _examples/evalgo-org-eve's cli/root.go; the signal-driven graceful
// shutdown is grounded on the same repo's http/runner.go RunServer.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/golithk/kiln/internal/agent"
	"github.com/golithk/kiln/internal/backend"
	"github.com/golithk/kiln/internal/backend/github"
	"github.com/golithk/kiln/internal/chat"
	"github.com/golithk/kiln/internal/config"
	"github.com/golithk/kiln/internal/credentials"
	"github.com/golithk/kiln/internal/dispatch"
	"github.com/golithk/kiln/internal/logging"
	"github.com/golithk/kiln/internal/mcp"
	"github.com/golithk/kiln/internal/oauth"
	"github.com/golithk/kiln/internal/paging"
	"github.com/golithk/kiln/internal/reset"
	"github.com/golithk/kiln/internal/revision"
	"github.com/golithk/kiln/internal/stage"
	"github.com/golithk/kiln/internal/store"
	"github.com/golithk/kiln/internal/supervisor"
	"github.com/golithk/kiln/internal/telemetry"
	"github.com/golithk/kiln/internal/worktree"
)

// shutdownGracePeriod is the hard timeout (spec §4.10), counted from
// the first shutdown signal, after which the process exits rather than
// wait indefinitely for workers to drain. Further signals received in
// the meantime do not shorten it.
const shutdownGracePeriod = 2 * time.Minute

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kilnd",
		Short: "kilnd runs the Kiln autonomous engineering daemon",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.kiln.yaml)")
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the supervisor loop until an operator signal stops it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runDaemon(cfg)
		},
	}
	return cmd
}

func runDaemon(cfg *config.Config) error {
	if err := logging.Init(logging.Config{Level: cfg.LogLevel}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.L()

	be, err := buildBackend(cfg)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	st, err := store.Open(cfg.StateDir + "/kiln.db")
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	creds, err := credentials.Load(cfg.CredentialsConfigPath)
	if err != nil {
		return fmt.Errorf("load credentials config: %w", err)
	}

	minter := oauth.NewMinter(cfg.OAuthConfigs())

	var plugins *mcp.Resolver
	if cfg.PluginConfigPath != "" {
		plugins, err = mcp.Load(cfg.PluginConfigPath, minter)
		if err != nil {
			return fmt.Errorf("load plugin config: %w", err)
		}
	}

	worktrees := &worktree.Provisioner{
		Root:        cfg.StateDir + "/worktrees",
		CloneRoot:   cfg.CloneRoot,
		Credentials: creds,
		Plugins:     plugins,
	}

	runner := agent.NewRunner(cfg.AgentBinaryPath)

	var notifier *chat.Notifier
	if cfg.ChatWebhookURL != "" {
		notifier = chat.NewNotifier(cfg.ChatWebhookURL, cfg.NotifyOnComment)
	}

	var pager *paging.Alerter
	if cfg.PagerDutyRoutingKey != "" {
		pager = paging.NewAlerter(cfg.PagerDutyRoutingKey)
	}

	exporter := telemetry.NewExporter()
	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr, exporter)
	}

	executor := stage.New(
		stage.Config{
			NeedsHumanLabel:   cfg.NeedsHumanLabel,
			OAuthHosts:        cfg.OAuthHostNames(),
			TotalTimeout:      cfg.AgentTotalTimeout,
			InactivityTimeout: cfg.AgentInactivityTimeout,
		},
		be, st, worktrees, runner, plugins, minter, creds, notifier, pager, exporter,
	)

	reviser := revision.New(
		revision.Config{
			EngineLogin:       cfg.EngineLogin,
			TotalTimeout:      cfg.AgentTotalTimeout,
			InactivityTimeout: cfg.AgentInactivityTimeout,
		},
		be, st, worktrees, runner,
	)

	resetter := reset.New(be, st)

	allowList := make(map[string]struct{}, len(cfg.AllowList))
	for _, a := range cfg.AllowList {
		allowList[a] = struct{}{}
	}
	dispatcher := dispatch.New(
		dispatch.Config{
			BoardURLs:              cfg.Boards,
			AllowList:              allowList,
			ProceedLabel:           cfg.ProceedLabel,
			MaxConcurrentWorkflows: cfg.MaxConcurrentWorkflows,
			FailureCooldown:        cfg.FailureCooldown,
			FailureThreshold:       cfg.FailureThreshold,
		},
		be, st, executor, reviser, resetter,
	)

	super := supervisor.New(
		supervisor.Config{
			ConnectivityHost:    cfg.ConnectivityHost,
			PollInterval:        cfg.PollInterval,
			HibernationInterval: cfg.HibernationInterval,
		},
		be, dispatcher, pager,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- super.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	log.Infow("kilnd: shutdown signal received, waiting for in-flight work to drain", "grace_period", shutdownGracePeriod)
	select {
	case err := <-done:
		return err
	case <-time.After(shutdownGracePeriod):
		log.Errorw("kilnd: shutdown grace period elapsed, forcing exit")
		os.Exit(1)
		return nil
	}
}

func serveMetrics(addr string, exporter *telemetry.Exporter) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Errorw("kilnd: metrics server stopped", "error", err)
		}
	}()
}

func buildBackend(cfg *config.Config) (backend.Adapter, error) {
	switch cfg.BackendVariant {
	case "", "primary":
		return github.NewClient(cfg.Host, cfg.Token), nil
	case "ghes315":
		return github.NewClientGHES315(cfg.Host, cfg.Token), nil
	case "ghes314":
		return github.NewClientGHES314(cfg.Host, cfg.Token), nil
	case "ghes317":
		return github.NewClientGHES317(cfg.Host, cfg.Token), nil
	case "ghes318":
		return github.NewClientGHES318(cfg.Host, cfg.Token), nil
	default:
		return nil, fmt.Errorf("unknown backend_variant %q", cfg.BackendVariant)
	}
}

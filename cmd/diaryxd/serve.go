package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/diaryx-org/diaryx-sync/internal/bodycrdt"
	"github.com/diaryx-org/diaryx-sync/internal/compactor"
	"github.com/diaryx-org/diaryx-sync/internal/config"
	"github.com/diaryx-org/diaryx-sync/internal/gitstore"
	"github.com/diaryx-org/diaryx-sync/internal/materialize"
	"github.com/diaryx-org/diaryx-sync/internal/store"
	"github.com/diaryx-org/diaryx-sync/internal/syncclient"
	"github.com/diaryx-org/diaryx-sync/internal/syncserver"
	"github.com/diaryx-org/diaryx-sync/internal/workspace"
)

// httpShutdownTimeout bounds how long the sync listener waits for
// in-flight connections to drain on shutdown.
const httpShutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server and compactor for configured workspaces",
		Long: `Starts one websocket listener serving every non-paused configured
workspace, and a sync client for each workspace that names a remote
server_addr to dial. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	return cmd
}

// boundWorkspace bundles every live component for one workspace, kept
// together so serve's cleanup pass can close them in the right order.
type boundWorkspace struct {
	name   string
	st     store.Store
	ws     *workspace.Workspace
	bodies *bodycrdt.Manager
	git    *gitstore.Store
	comp   *compactor.Compactor
}

func runServe(ctx context.Context) error {
	cc := mustCLIContext(ctx)
	logger := cc.Logger

	pidPath := config.PIDFilePath()

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx = shutdownContext(ctx, logger)

	names := workspaceNames(cc.Cfg)
	if len(names) == 0 {
		return fmt.Errorf("no workspaces configured")
	}

	env := config.LoadEnvOverrides()
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	srvImpl := syncserver.NewServer(syncserver.Config{
		HandshakeTimeout: 30 * time.Second,
		PingInterval:     20 * time.Second,
		PingTimeout:      10 * time.Second,
	}, logger)

	var bound []*boundWorkspace

	defer func() {
		for _, bw := range bound {
			bw.st.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	for _, name := range names {
		rw, err := config.ResolveWorkspace(name, env, cli, logger)
		if err != nil {
			return fmt.Errorf("resolving workspace %q: %w", name, err)
		}

		if rw.Paused {
			logger.Info("workspace paused, skipping", "workspace", name)
			continue
		}

		bw, err := bindWorkspace(ctx, rw, logger)
		if err != nil {
			return fmt.Errorf("binding workspace %q: %w", name, err)
		}

		bound = append(bound, bw)

		srvImpl.Register(&syncserver.Workspace{
			Name:             bw.name,
			WS:               bw.ws,
			Bodies:           bw.bodies,
			Store:            bw.st,
			Compactor:        bw.comp,
			BacklogThreshold: rw.BacklogThreshold,
			BandwidthLimit:   rw.BandwidthLimit,
		})

		g.Go(func() error { return bw.comp.Run(gctx) })

		if rw.ServerAddr != "" {
			client := syncclient.New(rw, bw.ws, bw.bodies, bw.st, rw.Name, rw.Name, logger)
			g.Go(func() error { return client.Run(gctx) })
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/sync", srvImpl.Handler())

	httpSrv := &http.Server{
		Addr:    cc.Cfg.Network.ListenAddr,
		Handler: mux,
	}

	g.Go(func() error {
		logger.Info("sync listener starting", "addr", httpSrv.Addr)

		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("sync listener: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()

		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}

func bindWorkspace(ctx context.Context, rw *config.ResolvedWorkspace, logger *slog.Logger) (*boundWorkspace, error) {
	if _, err := config.DiaryxDir(rw.Root); err != nil {
		return nil, fmt.Errorf("creating workspace state directory: %w", err)
	}

	st, err := store.NewStore(ctx, config.StorePath(rw.Root), logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	ws, err := workspace.NewWorkspace(ctx, st, rw.Name, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("loading workspace: %w", err)
	}

	bodies := bodycrdt.NewManager(st, rw.Name, rw.CompactKeepRecent, logger)

	git := gitstore.New(config.GitDir(rw.Root), rw.GitBranch, rw.GitAuthorName, rw.GitAuthorEmail, rw.GitBinary, logger)
	if err := git.Init(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("initializing git store: %w", err)
	}

	comp := compactor.New(ws, bodies, st, git, compactor.Config{
		QuiescenceInterval: rw.QuiescenceInterval,
		MaxStaleness:       rw.MaxStaleness,
		CompactKeepRecent:  rw.CompactKeepRecent,
		HealthThreshold:    rw.HealthFailureThreshold,
		DeviceName:         rw.Name,
		Thresholds: materializeThresholds(rw),
	}, logger)

	return &boundWorkspace{name: rw.Name, st: st, ws: ws, bodies: bodies, git: git, comp: comp}, nil
}

func materializeThresholds(rw *config.ResolvedWorkspace) materialize.Thresholds {
	return materialize.Thresholds{
		BigDeleteMinItems:   rw.BigDeleteMinItems,
		BigDeleteThreshold:  rw.BigDeleteThreshold,
		BigDeletePercentage: rw.BigDeletePercentage,
	}
}

func workspaceNames(cfg *config.Config) []string {
	if flagWorkspace != "" {
		return []string{flagWorkspace}
	}

	names := make([]string, 0, len(cfg.Workspaces))
	for name := range cfg.Workspaces {
		names = append(names, name)
	}

	return names
}

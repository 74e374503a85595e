package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/diaryx-org/diaryx-sync/internal/bodycrdt"
	"github.com/diaryx-org/diaryx-sync/internal/compactor"
	"github.com/diaryx-org/diaryx-sync/internal/config"
	"github.com/diaryx-org/diaryx-sync/internal/gitstore"
	"github.com/diaryx-org/diaryx-sync/internal/store"
	"github.com/diaryx-org/diaryx-sync/internal/workspace"
)

func newWorkspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Administer a single workspace",
	}

	cmd.AddCommand(newWorkspaceInitCmd())
	cmd.AddCommand(newWorkspaceStatusCmd())
	cmd.AddCommand(newWorkspaceRestoreCmd())

	return cmd
}

func resolveNamedWorkspace(ctx context.Context) (*config.ResolvedWorkspace, error) {
	if flagWorkspace == "" {
		return nil, fmt.Errorf("--workspace is required")
	}

	cc := mustCLIContext(ctx)

	env := config.LoadEnvOverrides()
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	return config.ResolveWorkspace(flagWorkspace, env, cli, cc.Logger)
}

func newWorkspaceInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace's durable store and git repository",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			rw, err := resolveNamedWorkspace(ctx)
			if err != nil {
				return err
			}

			if _, err := config.DiaryxDir(rw.Root); err != nil {
				return fmt.Errorf("creating workspace state directory: %w", err)
			}

			st, err := store.NewStore(ctx, config.StorePath(rw.Root), cc.Logger)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			if _, err := workspace.NewWorkspace(ctx, st, rw.Name, cc.Logger); err != nil {
				return fmt.Errorf("initializing workspace state: %w", err)
			}

			git := gitstore.New(config.GitDir(rw.Root), rw.GitBranch, rw.GitAuthorName, rw.GitAuthorEmail, rw.GitBinary, cc.Logger)
			if err := git.Init(ctx); err != nil {
				return fmt.Errorf("initializing git store: %w", err)
			}

			fmt.Fprintf(os.Stdout, "workspace %q initialized at %s\n", rw.Name, rw.Root)

			return nil
		},
	}
}

func newWorkspaceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report active files, pending changes, and health for a workspace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			rw, err := resolveNamedWorkspace(ctx)
			if err != nil {
				return err
			}

			if _, err := config.DiaryxDir(rw.Root); err != nil {
				return fmt.Errorf("creating workspace state directory: %w", err)
			}

			st, err := store.NewStore(ctx, config.StorePath(rw.Root), cc.Logger)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			active, err := st.QueryActiveFiles(ctx)
			if err != nil {
				return fmt.Errorf("querying active files: %w", err)
			}

			git := gitstore.New(config.GitDir(rw.Root), rw.GitBranch, rw.GitAuthorName, rw.GitAuthorEmail, rw.GitBinary, cc.Logger)

			if err := git.Init(ctx); err != nil {
				return fmt.Errorf("initializing git store: %w", err)
			}

			head, err := git.Head(ctx)
			if err != nil {
				return fmt.Errorf("reading git head: %w", err)
			}

			fmt.Fprintf(os.Stdout, "workspace:   %s\n", rw.Name)
			fmt.Fprintf(os.Stdout, "root:        %s\n", rw.Root)
			fmt.Fprintf(os.Stdout, "active files: %d\n", len(active))

			if head == "" {
				fmt.Fprintln(os.Stdout, "last commit: (none yet)")
			} else {
				fmt.Fprintf(os.Stdout, "last commit: %s\n", head)
			}

			if rw.Paused {
				fmt.Fprintln(os.Stdout, "paused:      yes")
			}

			return nil
		},
	}
}

func newWorkspaceRestoreCmd() *cobra.Command {
	var commit string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Rebuild the CRDT state from a git commit, discarding the durable update log",
		Long: `Clears the workspace's durable update store and recreates every document
from the given commit's tree (or the branch head, if --commit is omitted).
Existing DocIDs are not preserved — rebuild recreates fresh identifiers for
every file, relying on part_of frontmatter links to restore hierarchy.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			rw, err := resolveNamedWorkspace(ctx)
			if err != nil {
				return err
			}

			if _, err := config.DiaryxDir(rw.Root); err != nil {
				return fmt.Errorf("creating workspace state directory: %w", err)
			}

			st, err := store.NewStore(ctx, config.StorePath(rw.Root), cc.Logger)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			ws, err := workspace.NewWorkspace(ctx, st, rw.Name, cc.Logger)
			if err != nil {
				return fmt.Errorf("loading workspace: %w", err)
			}

			bodies := bodycrdt.NewManager(st, rw.Name, rw.CompactKeepRecent, cc.Logger)

			git := gitstore.New(config.GitDir(rw.Root), rw.GitBranch, rw.GitAuthorName, rw.GitAuthorEmail, rw.GitBinary, cc.Logger)
			if err := git.Init(ctx); err != nil {
				return fmt.Errorf("initializing git store: %w", err)
			}

			comp := compactor.New(ws, bodies, st, git, compactor.Config{
				QuiescenceInterval: rw.QuiescenceInterval,
				MaxStaleness:       rw.MaxStaleness,
				CompactKeepRecent:  rw.CompactKeepRecent,
				HealthThreshold:    rw.HealthFailureThreshold,
				DeviceName:         rw.Name,
				Thresholds:         materializeThresholds(rw),
			}, cc.Logger)

			if err := comp.Rebuild(ctx, commit); err != nil {
				return fmt.Errorf("rebuild failed: %w", err)
			}

			fmt.Fprintf(os.Stdout, "workspace %q rebuilt from %s\n", rw.Name, commitLabel(commit))

			return nil
		},
	}

	cmd.Flags().StringVar(&commit, "commit", "", "commit to rebuild from (default: branch head)")

	return cmd
}

func commitLabel(commit string) string {
	if commit == "" {
		return "branch head"
	}

	return commit
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/diaryx-org/diaryx-sync/internal/config"
	"github.com/diaryx-org/diaryx-sync/internal/gitstore"
	"github.com/diaryx-org/diaryx-sync/internal/store"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment health for every configured workspace",
		Long: `Checks that the git binary is available, that every configured
workspace's durable store opens cleanly, and reports whether each
workspace's git repository has any commit yet. Exits non-zero if any
workspace fails a check.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) error {
	cc := mustCLIContext(ctx)

	var failures int

	gitBinary := cc.Cfg.Git.Binary
	if gitBinary == "" {
		gitBinary = "git"
	}

	if path, err := exec.LookPath(gitBinary); err != nil {
		fmt.Fprintf(os.Stdout, "[FAIL] git binary %q not found on PATH\n", gitBinary)
		failures++
	} else {
		fmt.Fprintf(os.Stdout, "[ OK ] git binary: %s\n", path)
	}

	names := workspaceNames(cc.Cfg)
	if len(names) == 0 {
		fmt.Fprintln(os.Stdout, "[WARN] no workspaces configured")
		return nil
	}

	env := config.LoadEnvOverrides()
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	for _, name := range names {
		if err := doctorCheckWorkspace(ctx, name, env, cli, cc); err != nil {
			fmt.Fprintf(os.Stdout, "[FAIL] workspace %q: %v\n", name, err)
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}

	return nil
}

func doctorCheckWorkspace(ctx context.Context, name string, env config.EnvOverrides, cli config.CLIOverrides, cc *CLIContext) error {
	rw, err := config.ResolveWorkspace(name, env, cli, cc.Logger)
	if err != nil {
		return fmt.Errorf("resolving config: %w", err)
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

	status := "has commits"
	if head == "" {
		status = "no commits yet"
	}

	fmt.Fprintf(os.Stdout, "[ OK ] workspace %q: %d active files, %s\n", name, len(active), status)

	return nil
}

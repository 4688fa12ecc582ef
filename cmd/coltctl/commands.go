package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/coltlink/internal/invoke"
	"github.com/dshills/coltlink/internal/rpc"
)

func newEndpointCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoint [colt-file]",
		Short: "Print the service URL for a COLT project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(root)
			defer a.Close()

			project, err := a.projectFile(args)
			if err != nil {
				return err
			}
			url, err := a.resolver.Lookup(project)
			fmt.Fprintln(cmd.OutOrStdout(), url)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "using default endpoint: %v\n", err)
			}
			return nil
		},
	}
}

func newPingCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping [colt-file]",
		Short: "Check whether COLT answers for a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(root)
			defer a.Close()

			project, err := a.projectFile(args)
			if err != nil {
				return err
			}
			t := rpc.Dial(project, a.resolver, transportOptions(a.cfg, a.logger)...)
			if err := t.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("ping %s: %w", t.Connection().BaseURL, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok %s\n", t.Connection().BaseURL)
			return nil
		},
	}
}

func newOpenCmd(root *rootOptions) *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open the project in COLT, optionally starting a live session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := newApp(root)
			defer a.Close()

			path, call, err := a.bridge.FindAndOpen(cmd.Context(), run)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return a.wait(cmd.Context(), call)
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "start a base compilation after opening")
	return cmd
}

func newBuildCmd(root *rootOptions) *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run COLT's production build for the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := newApp(root)
			defer a.Close()

			call, err := a.bridge.ProductionBuild(cmd.Context(), run)
			if err != nil {
				return err
			}
			return a.wait(cmd.Context(), call)
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "run the output after a successful build")
	return cmd
}

func newAuthCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Obtain a new security token from COLT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := newApp(root)
			defer a.Close()

			if _, err := a.bridge.Session().Exchange(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "security token saved to %s\n", root.configPath)
			return nil
		},
	}
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	var once, run bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print COLT compile errors as they are written",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := newApp(root)
			defer a.Close()

			if err := a.bridge.WatchErrorsLog(true); err != nil {
				return err
			}
			w := a.bridge.Watcher()
			if w == nil {
				return errors.New("no project to watch")
			}
			if once {
				w.Reload()
				return nil
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s\n", w.Path())
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				<-ctx.Done()
				return a.Close()
			})
			if run {
				g.Go(func() error {
					_, call, err := a.bridge.FindAndOpen(ctx, true)
					if err != nil {
						a.logger.Warn("start live session", "err", err)
						return nil
					}
					if err := a.wait(ctx, call); err != nil && !errors.Is(err, context.Canceled) {
						a.logger.Warn("live session", "err", err)
					}
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "print the current log and exit")
	cmd.Flags().BoolVar(&run, "run", false, "also open the project and start a live session")
	return cmd
}

// wait blocks until call finishes. A nil call is a no-op.
func (a *app) wait(ctx context.Context, call *invoke.Call) error {
	if call == nil {
		return nil
	}
	res := call.Wait(ctx)
	if res.Err != nil && rpc.IsAuthError(res.Err) {
		return fmt.Errorf("%w: a new security token was requested, run the command again", res.Err)
	}
	return res.Err
}

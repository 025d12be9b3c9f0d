package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jward/understory"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect the expansion registry",
}

func init() {
	inspectCmd.AddCommand(&cobra.Command{
		Use:   "units",
		Short: "List registered source units",
		Args:  cobra.NoArgs,
		RunE:  runInspect("units", inspectUnits),
	})
	inspectCmd.AddCommand(&cobra.Command{
		Use:   "expansions <file>",
		Short: "List the expansions of a file or generated handle",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect("expansions", inspectExpansions),
	})
	inspectCmd.AddCommand(&cobra.Command{
		Use:   "producer <handle>",
		Short: "Show the expansion that produced a generated handle",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect("producer", inspectProducer),
	})
	inspectCmd.AddCommand(&cobra.Command{
		Use:   "defs <unit>",
		Short: "List the items visible from a compilation unit",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect("defs", inspectDefs),
	})
	inspectCmd.AddCommand(&cobra.Command{
		Use:   "stale",
		Short: "List compilation units awaiting a rebuild",
		Args:  cobra.NoArgs,
		RunE:  runInspect("stale", inspectStale),
	})
	inspectCmd.AddCommand(&cobra.Command{
		Use:   "show <handle>",
		Short: "Print a generated output with its range map and mix hash",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect("show", inspectShow),
	})
}

type inspectFunc func(ctx context.Context, q *understory.QueryBuilder, args []string) (any, error)

// runInspect brings a session up to date and runs fn against its queries.
func runInspect(command string, fn inspectFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		s, err := openSession(ctx)
		if err != nil {
			return outputError(cmd, command, err)
		}
		defer s.Close()

		v, err := fn(ctx, s.engine.Query(), args)
		if err != nil {
			return outputError(cmd, command, err)
		}
		return outputResult(cmd, CLIResult{Command: command, Results: v})
	}
}

func inspectUnits(_ context.Context, q *understory.QueryBuilder, _ []string) (any, error) {
	units := q.Units()
	out := make([]CLIUnit, 0, len(units))
	for _, u := range units {
		out = append(out, CLIUnit(u))
	}
	return out, nil
}

func inspectExpansions(ctx context.Context, q *understory.QueryBuilder, args []string) (any, error) {
	exps, err := q.Expansions(ctx, args[0])
	if err != nil {
		return nil, err
	}
	out := make([]CLIExpansion, 0, len(exps))
	for _, e := range exps {
		out = append(out, CLIExpansion(e))
	}
	return out, nil
}

func inspectProducer(ctx context.Context, q *understory.QueryBuilder, args []string) (any, error) {
	e, err := q.Producer(ctx, args[0])
	if err != nil {
		return nil, err
	}
	return CLIExpansion(*e), nil
}

func inspectDefs(_ context.Context, q *understory.QueryBuilder, args []string) (any, error) {
	defs, ok := q.Definitions(args[0])
	if !ok {
		return nil, fmt.Errorf("unknown unit %q", args[0])
	}
	out := make([]CLIDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, CLIDefinition{Kind: d.Kind, Name: d.Name, Handle: d.Handle, Start: d.Start})
	}
	return out, nil
}

func inspectStale(_ context.Context, q *understory.QueryBuilder, _ []string) (any, error) {
	units, err := q.Stale()
	if units == nil {
		units = []string{}
	}
	return units, err
}

func inspectShow(ctx context.Context, q *understory.QueryBuilder, args []string) (any, error) {
	handle := args[0]
	content, err := q.Generated(handle)
	if err != nil {
		return nil, err
	}
	g := CLIGenerated{Handle: handle, Content: content}

	switch p, err := q.Producer(ctx, handle); {
	case err == nil:
		g.Producer = fmt.Sprintf("%s!#%d in %s", p.Macro, p.Position, p.Handle)
	case !errors.Is(err, understory.ErrNotGenerated):
		return nil, err
	}
	// Outputs dropped from the registry keep their text until collected
	// but have no attributes to show.
	if g.Producer == "" {
		return g, nil
	}
	if g.MixHash, err = q.MixHash(handle); err != nil {
		return nil, err
	}
	rm, err := q.RangeMap(ctx, handle)
	if err != nil {
		return nil, err
	}
	for _, r := range rm.Entries {
		g.Ranges = append(g.Ranges, CLIRange(r))
	}
	return g, nil
}

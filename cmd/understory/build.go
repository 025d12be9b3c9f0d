package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build [manifest]",
	Short: "Build definition maps, expand macro calls and save the registry",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
	start := time.Now()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if len(args) == 1 {
		cfg.Manifest = args[0]
	}

	s, err := openSession(ctx)
	if err != nil {
		return outputError(cmd, "build", err)
	}
	defer s.Close()
	if err := s.engine.Save(ctx); err != nil {
		return outputError(cmd, "build", err)
	}

	return outputResult(cmd, CLIResult{
		Command: "build",
		Results: summarize(s, time.Since(start)),
	})
}

func summarize(s *session, d time.Duration) CLIBuildSummary {
	sum := CLIBuildSummary{
		Reused:     s.build.Reused,
		Removed:    s.build.Removed,
		Rounds:     s.expand.Rounds,
		Expanded:   s.expand.Expanded,
		Failed:     s.expand.Failed,
		Registered: s.expand.Registered,
		Collected:  s.expand.Collected,
		Duration:   d.Round(time.Millisecond).String(),
	}
	for _, u := range s.build.Built {
		sum.Built = append(sum.Built, string(u))
	}
	return sum
}

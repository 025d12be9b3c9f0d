package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// validateFormat checks that the --format flag is a supported value.
func validateFormat(format string) error {
	switch format {
	case "json", "text":
		return nil
	default:
		return fmt.Errorf("unsupported format %q: must be json or text", format)
	}
}

// outputResult writes a result in the selected format.
func outputResult(cmd *cobra.Command, result CLIResult) error {
	w := cmd.OutOrStdout()
	if flagFormat == "text" {
		return outputResultText(w, result)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to stdout as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(cmd *cobra.Command, command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(CLIResult{Command: command, Error: err.Error()})
	return err
}

func outputResultText(w io.Writer, result CLIResult) error {
	switch v := result.Results.(type) {
	case CLIBuildSummary:
		formatBuildSummaryText(w, v)
	case []CLIUnit:
		formatUnitsText(w, v)
	case []CLIExpansion:
		formatExpansionsText(w, v)
	case CLIExpansion:
		formatExpansionsText(w, []CLIExpansion{v})
	case []CLIDefinition:
		formatDefinitionsText(w, v)
	case CLIGenerated:
		formatGeneratedText(w, v)
	case []string:
		for _, s := range v {
			fmt.Fprintln(w, s)
		}
	case nil:
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}
	return nil
}

// formatBuildSummaryText formats a build summary as readable text.
func formatBuildSummaryText(w io.Writer, s CLIBuildSummary) {
	fmt.Fprintf(w, "built %d unit(s), reused %d", len(s.Built), s.Reused)
	if len(s.Removed) > 0 {
		fmt.Fprintf(w, ", removed %d", len(s.Removed))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "expanded %d call(s) in %d round(s), %d failed, %d new unit(s), %d collected\n",
		s.Expanded, s.Rounds, s.Failed, s.Registered, s.Collected)
	fmt.Fprintf(w, "took %s\n", s.Duration)
}

func formatUnitsText(w io.Writer, units []CLIUnit) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEPTH\tMODE\tRECORDS\tHANDLE")
	for _, u := range units {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", u.Depth, u.Mode, u.Records, u.Handle)
	}
	tw.Flush()
}

func formatExpansionsText(w io.Writer, exps []CLIExpansion) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tMACRO\tRESULT\tHANDLE")
	for _, e := range exps {
		result := e.Output
		if e.Error != "" {
			result = "error: " + e.Error
		}
		fmt.Fprintf(tw, "%d\t%s!\t%s\t%s\n", e.Position, e.Macro, result, e.Handle)
	}
	tw.Flush()
}

func formatDefinitionsText(w io.Writer, defs []CLIDefinition) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAME\tHANDLE\tOFFSET")
	for _, d := range defs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", d.Kind, d.Name, d.Handle, d.Start)
	}
	tw.Flush()
}

func formatGeneratedText(w io.Writer, g CLIGenerated) {
	fmt.Fprintf(w, "// %s\n", g.Handle)
	if g.Producer != "" {
		fmt.Fprintf(w, "// produced by %s\n", g.Producer)
	}
	if g.MixHash != "" {
		fmt.Fprintf(w, "// mix %s\n", g.MixHash)
	}
	for _, r := range g.Ranges {
		fmt.Fprintf(w, "// body[%d:%d] -> out[%d:%d]\n", r.SrcStart, r.SrcEnd, r.OutStart, r.OutEnd)
	}
	fmt.Fprintln(w, g.Content)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/c360studio/ticketflow/workflow"
	"github.com/spf13/cobra"
)

// validateCmd statically checks a workflow definition file without
// touching NATS. Sub-workflow version references are skipped offline.
func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition.json>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}
}

func runValidate(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}

	var def workflow.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}

	workflow.EnsureBranchJoinEdges(&def)
	result := workflow.Validate(context.Background(), &def, nil)

	out := cmd.OutOrStdout()
	for _, e := range result.Errors {
		if e.Path != "" {
			fmt.Fprintf(out, "error [%s] %s: %s\n", e.Type, e.Path, e.Message)
		} else {
			fmt.Fprintf(out, "error [%s]: %s\n", e.Type, e.Message)
		}
	}
	for _, w := range result.Warnings {
		if w.Path != "" {
			fmt.Fprintf(out, "warning [%s] %s: %s\n", w.Type, w.Path, w.Message)
		} else {
			fmt.Fprintf(out, "warning [%s]: %s\n", w.Type, w.Message)
		}
	}

	if !result.IsValid {
		return fmt.Errorf("definition is invalid: %d error(s)", len(result.Errors))
	}

	fmt.Fprintf(out, "definition is valid (%d warning(s))\n", len(result.Warnings))
	return nil
}

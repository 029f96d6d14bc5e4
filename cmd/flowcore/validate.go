package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/definitions"
	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/validation"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check workflow definition files without starting anything",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eval, err := expressions.NewEvaluator()
			if err != nil {
				return err
			}
			v, err := validation.NewWorkflowValidator(eval, nil)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			invalid := 0
			for _, path := range args {
				def, err := definitions.LoadFile(path)
				if err != nil {
					invalid++
					fmt.Fprintf(out, "%s: %v\n", path, err)
					continue
				}
				res := v.Validate(def)
				for _, issue := range res.Issues() {
					fmt.Fprintf(out, "%s: %s\n", path, issue)
				}
				if !res.Valid() {
					invalid++
					continue
				}
				fmt.Fprintf(out, "%s: ok (%s, %d nodes)\n", path, def.ID, len(def.Nodes))
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions invalid", invalid, len(args))
			}
			return nil
		},
	}
}

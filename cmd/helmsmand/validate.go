package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rvachov/helmsman/internal/catalog"
	"github.com/rvachov/helmsman/internal/config"
	"github.com/rvachov/helmsman/internal/validator"
)

var validateCmd = &cobra.Command{
	Use:   "validate [command...]",
	Short: "Validate a shell command, or the action catalog when no command is given",
	Long: `With arguments, classifies the joined command string against the
forbidden and allowed rule catalogs and prints the verdict.

Without arguments, loads the action catalog from the configured actions
directory and reports compile or template errors.`,
	Run: func(cmd *cobra.Command, args []string) {
		v, err := validator.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(args) == 0 {
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			cat, err := catalog.Load(cfg.ActionsDir, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Catalog invalid: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Catalog OK: %d actions loaded from %s\n", cat.Len(), cfg.ActionsDir)
			return
		}

		verdict := v.Validate(strings.Join(args, " "))
		fmt.Printf("allowed:           %t\n", verdict.Allowed)
		fmt.Printf("risk level:        %s\n", verdict.RiskLevel)
		fmt.Printf("requires approval: %t\n", verdict.RequiresApproval)
		if verdict.MatchedRule != "" {
			fmt.Printf("matched rule:      %s\n", verdict.MatchedRule)
		}
		if verdict.Message != "" {
			fmt.Printf("message:           %s\n", verdict.Message)
		}
		if !verdict.Allowed {
			os.Exit(1)
		}
	},
}

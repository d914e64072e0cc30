package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyobox/pkg/catalog"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the provisioning catalog",
	}

	cmd.AddCommand(newCatalogValidateCommand())

	return cmd
}

func newCatalogValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a CUE catalog file",
		Long: `Validate a provisioning catalog against the catalog schema.

This command checks:
  - CUE syntax validity
  - Schema conformance of setup steps and skills
  - env_script syntax
  - Timeouts and file paths

Without a path the embedded default catalog is validated.`,
		Example: `  # Validate the default catalog
  froyobox catalog validate

  # Validate a custom catalog
  froyobox catalog validate ./catalog.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}

			cat, err := catalog.Load(path)
			if err != nil {
				var loadErr *catalog.LoadError
				if errors.As(err, &loadErr) {
					if jsonOutput {
						_ = printJSON(loadErr)
					} else {
						for _, issue := range loadErr.Issues {
							fmt.Printf("✗ %s\n", issue)
						}
					}
					return fmt.Errorf("catalog has %d issue(s)", len(loadErr.Issues))
				}
				return err
			}

			if jsonOutput {
				return printJSON(cat)
			}

			fmt.Printf("✓ Catalog %s is valid\n", cat.Source)
			fmt.Printf("  setup steps: %v\n", cat.SetupNames())
			fmt.Printf("  skills:      %v\n", cat.SkillIDs())
			return nil
		},
	}

	return cmd
}

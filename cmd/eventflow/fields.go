package main

import (
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/eventflow/internal/engine"
	"github.com/rendis/eventflow/internal/store"
)

// fieldFixture is the YAML document export-fields writes.
type fieldFixture struct {
	Workflows []*engine.FieldReport `yaml:"workflows"`
}

func newExportFieldsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-fields [workflow-id]...",
		Short: "Write the fields each workflow's templates may use as YAML",
		Long:  "Without arguments every stored workflow is exported. Fields come from the learning table and from the steps' declarations; steps that cannot declare their fields are listed as undeclared.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ids := args
			if len(ids) == 0 {
				wfs, err := a.store.ListWorkflows(cmd.Context(), store.WorkflowFilter{})
				if err != nil {
					return err
				}
				for _, wf := range wfs {
					ids = append(ids, wf.ID)
				}
			}

			var fixture fieldFixture
			for _, id := range ids {
				report, err := a.catalog.Fields(cmd.Context(), id)
				if err != nil {
					return err
				}
				fixture.Workflows = append(fixture.Workflows, report)
			}

			out := cmd.OutOrStdout()
			if path, _ := cmd.Flags().GetString("output"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(fixture); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")
	return cmd
}

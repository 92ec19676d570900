package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/eventflow/pkg/schema"
)

func newApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <bundle.yaml>...",
		Short: "Create or replace workflows from YAML bundles",
		Long:  "Each file may hold several bundles separated by ---. A bundle is validated and stored with its steps; --activate marks it active afterwards.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			activate, _ := cmd.Flags().GetBool("activate")

			var bundles []*schema.WorkflowBundle
			for _, path := range args {
				bs, err := readBundles(path)
				if err != nil {
					return err
				}
				bundles = append(bundles, bs...)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, b := range bundles {
				wf, err := a.catalog.Apply(cmd.Context(), b)
				if err != nil {
					return fmt.Errorf("apply %s: %w", b.ID, err)
				}
				if activate && !wf.Active {
					if err := a.catalog.Activate(cmd.Context(), wf.ID); err != nil {
						return fmt.Errorf("activate %s: %w", wf.ID, err)
					}
					wf.Active = true
				}
				fmt.Fprintf(out, "%s\tevent=%s\tsteps=%d\tactive=%t\n", wf.ID, wf.EventName, len(b.Steps), wf.Active)
			}
			return nil
		},
	}
	cmd.Flags().Bool("activate", false, "activate every applied workflow")
	return cmd
}

func readBundles(path string) ([]*schema.WorkflowBundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeBundles(f)
}

// decodeBundles reads every YAML document in r as a workflow bundle.
func decodeBundles(r io.Reader) ([]*schema.WorkflowBundle, error) {
	dec := yaml.NewDecoder(r)
	var bundles []*schema.WorkflowBundle
	for {
		var b schema.WorkflowBundle
		err := dec.Decode(&b)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode bundle %d: %s", len(bundles)+1, err.Error())
		}
		if b.ID == "" && b.EventName == "" && len(b.Steps) == 0 {
			continue
		}
		bundles = append(bundles, &b)
	}
	if len(bundles) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "no workflow bundles found")
	}
	return bundles, nil
}

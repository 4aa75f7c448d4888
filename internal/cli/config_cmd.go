package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	})
	return cmd
}

func (r *Root) configSource() string {
	if r.cfg.Source == "" {
		return "(defaults)"
	}
	return r.cfg.Source
}

func (r *Root) configShow() error {
	fmt.Printf("# config file: %s\n", r.configSource())
	out, err := yaml.Marshal(r.cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

// configValidate re-checks the loaded configuration. Load already rejects
// invalid files, so reaching here means the file parsed.
func (r *Root) configValidate() error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	fmt.Printf("✅ configuration valid: %s\n", r.configSource())
	return nil
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}

func (r *Root) cmdVersion() error {
	fmt.Printf("mapfree %s\n", Version)
	fmt.Printf("Built with Go %s (%s/%s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return nil
}

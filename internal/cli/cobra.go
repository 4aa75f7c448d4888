package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mapfree",
		Short: "mapfree turns a folder of photos into a 3D reconstruction",
		Long: `mapfree drives COLMAP (and optionally OpenMVS and PDAL) through feature
extraction, matching, sparse and dense reconstruction, sized to the
machine it runs on. Interrupted runs resume from the last completed stage.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return root.prepare()
		},
	}
	rootCmd.PersistentFlags().StringVar(&root.configPath, "config", "", "configuration file (JSON or YAML), defaults to $MAPFREE_CONFIG or ~/.config/mapfree/config.json")

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newDetectCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <image_folder> --output <project>",
		Short: "Reconstruct a folder of images into a project directory",
		Long: `Run the full pipeline on the images in <image_folder> (.jpg, .jpeg, .png).
Stages already completed in <project> with the same inputs and settings are
skipped, so re-running after an interruption resumes where it stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdRun(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "project directory (created if missing)")
	cmd.Flags().IntVar(&opts.chunkSize, "chunk-size", 0, "images per chunk, 0 uses config or the profile recommendation")
	cmd.Flags().StringVar(&opts.forceProfile, "force-profile", "", "cap the hardware profile (HIGH|MEDIUM|LOW|CPU_SAFE)")
	cmd.Flags().StringVar(&opts.quality, "quality", "", "image size preset (high|medium|low)")
	cmd.Flags().StringVar(&opts.denseEngine, "dense-engine", "", "dense reconstruction engine (colmap|openmvs)")
	cmd.Flags().BoolVar(&opts.geospatial, "geospatial", false, "derive DSM/DTM rasters with PDAL after export")
	cmd.Flags().BoolVar(&opts.openResults, "open-results", false, "open final_results in the file manager when done")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "status <project>",
		Short: "Show the reconstruction state of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdStatus(cmd.Context(), args[0], follow)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing changes until the run ends")
	return cmd
}

func newDetectCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Probe RAM and GPU and show the profile a run would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdDetect(cmd.Context())
		},
	}
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Check availability of COLMAP, OpenMVS, PDAL, exiftool and nvidia-smi",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTools(cmd.Context())
		},
	}
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdHistory(limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API for a desktop front end",
		Long: `Serve HTTP routes to start, stop and observe runs (GET /healthz, GET/POST
/runs, GET /runs/current, POST /runs/current/stop, GET /stream, GET /ws) and,
with --grpc-addr, the gRPC health service "mapfree.pipeline".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdServe(cmd.Context(), addr, grpcAddr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listen address (default from config, empty disables)")
	return cmd
}

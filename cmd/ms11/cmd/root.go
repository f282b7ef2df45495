// Package cmd holds the ms11 command tree.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"github.com/R21Digital/Project-MorningStar-sub014/logging"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfgFile string
	output  string
	debug   bool
	quiet   bool

	cfg    *config.Config
	logger *zap.Logger
}

// NewRootCmd builds the ms11 command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "ms11",
		Short:         "MS11 bot core tools",
		Long:          `ms11 replays recorded bot telemetry through the stuck recovery and PvP watchdog engines, parses loot logs and reports to a SWGDB dashboard.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (defaults only when empty)")
	root.PersistentFlags().StringVar(&a.output, "output", "table", "output format: table or json")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "development logging")
	root.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "disable logging")

	root.AddCommand(newReplayCmd(a), newLootCmd(a), newWatchdogCmd(a), newVersionCmd())
	return root
}

// Execute runs the command tree against os.Args.
func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func (a *app) init() error {
	if a.output != "table" && a.output != "json" {
		return fmt.Errorf("unknown output format %q", a.output)
	}
	if a.cfgFile != "" {
		cfg, err := config.Load(a.cfgFile)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		a.cfg = cfg
	} else {
		a.cfg = config.Default()
	}
	if a.quiet {
		a.logger = zap.NewNop()
		return nil
	}
	logger, err := logging.New(a.cfg.Log, a.debug)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.logger = logger
	return nil
}

func (a *app) json() bool { return a.output == "json" }

// openInput opens path, or stdin for "-".
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(path)
}

func newTable(w io.Writer, header ...any) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.Header(header...)
	return t
}

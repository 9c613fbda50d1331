package run

import (
	"github.com/Mmx233/frag6d/config"
	"github.com/Mmx233/frag6d/tools"
	"github.com/spf13/cobra"
)

var (
	configFile = tools.GetenvDefault(config.EnvPrefix+"CONFIG", "config.yaml")
	Cmd        = &cobra.Command{
		Use:   "run",
		Short: "Run the reassembly daemon",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
)

func init() {
	Cmd.Flags().StringVarP(&configFile, "config", "c", configFile, "path of config file")
}

package tool

import (
	"github.com/spf13/cobra"

	"github.com/moyoez/batchsend/types"
)

// BindFlags registers the runtime override flags on cmd's persistent flag set.
// Values land in cfg once cobra has parsed the command line.
func BindFlags(cmd *cobra.Command, cfg *types.Config) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.Log, "log", "", "log mode: dev|prod|none")
	flags.StringVar(&cfg.UseConfigPath, "useConfigPath", "", "override config file path")
	flags.StringVar(&cfg.UseEndpoint, "useEndpoint", "", "override ingestion endpoint")
	flags.IntVar(&cfg.UsePort, "usePort", 0, "override local control API port")
	flags.IntVar(&cfg.UseMaxConcurrent, "useMaxConcurrent", 0, "override maximum concurrent transfers")
	flags.Int64Var(&cfg.UseMaxBytes, "useMaxBytes", 0, "override per-file size limit in bytes")
	flags.StringSliceVar(&cfg.UseAllowedTypes, "useAllowedTypes", nil, "override allowed media types (comma separated)")
	flags.BoolVar(&cfg.SkipNotify, "skipNotify", false, "do not send unix socket notifications")
}

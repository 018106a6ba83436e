package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bob-yamong/policy-back/internal/config"
	plog "github.com/bob-yamong/policy-back/internal/log"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd 是没有子命令时调用的基础命令
var rootCmd = &cobra.Command{
	Use:   "policy-back",
	Short: "policy-back is the fleet inventory and policy backend for container hosts",
	Long: `policy-back receives heartbeats from host agents, keeps a durable inventory
of hosts and containers with their OS-level identities, serves time-bucketed
resource statistics, and stores LSM/tracepoint policies for push to agents.`,
	SilenceUsage: true,
}

// Execute 将所有子命令添加到根命令，由 main.main() 调用一次。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml and $HOME/.policy-back/config.yaml)")
}

// initConfig 读取配置文件和环境变量，并初始化全局 logger。
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	plog.Init(plog.Config{
		Level:      plog.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
}

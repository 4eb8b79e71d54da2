package serve

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airlock-lab/airlock/cmd/util"
	"github.com/airlock-lab/airlock/rpc/common"
	"github.com/airlock-lab/airlock/rpc/lockserver"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start the lock server",
		Long: `Start the lock server with the specified configuration. The configuration
can be set via command line flags or environment variables. The format of the
environment variables is AIRLOCK_<flag> (e.g. AIRLOCK_LEASE_TIMEOUT=30s)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitEnvConfig)

	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, common.DefaultLockEndpoint, util.WrapString("The address the lock server listens on (tcp://host:port or unix:///path)"))

	key = "lease-timeout"
	ServeCmd.PersistentFlags().Duration(key, 0, util.WrapString("Age after which a held lock may be taken over by another client. Zero runs the plain server whose grants never expire"))

	key = "expired-history"
	ServeCmd.PersistentFlags().Int(key, common.DefaultExpiredHistory, util.WrapString("How many recently expired leases to remember for release diagnostics (timeout variant only)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("Address to serve Prometheus metrics on (e.g. 127.0.0.1:9100, empty disables)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.LeaseTimeout = viper.GetDuration("lease-timeout")
	serveCmdConfig.ExpiredHistory = viper.GetInt("expired-history")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if serveCmdConfig.LeaseTimeout < 0 {
		return fmt.Errorf("lease-timeout must not be negative, got %v", serveCmdConfig.LeaseTimeout)
	}
	switch serveCmdConfig.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q (want debug, info, warn or error)", serveCmdConfig.LogLevel)
	}
	return nil
}

// run starts the lock server
func run(_ *cobra.Command, _ []string) error {
	common.InitLoggers(serveCmdConfig.LogLevel)
	fmt.Println(serveCmdConfig.String())

	server := lockserver.New(*serveCmdConfig)
	return util.RunWithSignals(server.Serve, server.Shutdown, serveCmdConfig.MetricsEndpoint)
}

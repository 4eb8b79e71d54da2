package queue

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airlock-lab/airlock/cmd/util"
	"github.com/airlock-lab/airlock/lib/coord"
	"github.com/airlock-lab/airlock/lib/storage/memstore"
	"github.com/airlock-lab/airlock/rpc/common"
	"github.com/airlock-lab/airlock/rpc/queueserver"
)

var (
	queueCmdConfig = &common.QueueConfig{}
	QueueCmd       = &cobra.Command{
		Use:   "queue",
		Short: "Start the queue endpoint",
		Long: `Start the queue endpoint with the specified configuration. The endpoint
buffers incoming storage requests and writes them into its in-memory store on
a single writer goroutine; senders block while the buffer is full. The
configuration can be set via command line flags or environment variables. The
format of the environment variables is AIRLOCK_<flag> (e.g.
AIRLOCK_BUFFER_SIZE=200)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitEnvConfig)

	// add flags
	key := "endpoint"
	QueueCmd.PersistentFlags().String(key, common.DefaultQueueEndpoint, util.WrapString("The address the queue endpoint listens on (tcp://host:port or unix:///path)"))

	key = "serializer"
	QueueCmd.PersistentFlags().String(key, "json", util.WrapString("serializer to use (json, gob, binary). Must match the senders"))

	key = "buffer-size"
	QueueCmd.PersistentFlags().Int(key, queueserver.DefaultBufferSize, util.WrapString("How many requests to buffer before senders are blocked"))

	key = "gc-interval"
	QueueCmd.PersistentFlags().Int(key, coord.DefaultGCInterval, util.WrapString("Run a garbage collection pass every n written requests (negative disables)"))

	key = "metrics-endpoint"
	QueueCmd.PersistentFlags().String(key, "", util.WrapString("Address to serve Prometheus metrics on (e.g. 127.0.0.1:9100, empty disables)"))

	key = "log-level"
	QueueCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts them to the endpoint configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	queueCmdConfig.Endpoint = viper.GetString("endpoint")
	queueCmdConfig.Serializer = viper.GetString("serializer")
	queueCmdConfig.BufferSize = viper.GetInt("buffer-size")
	queueCmdConfig.GCInterval = viper.GetInt("gc-interval")
	queueCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	queueCmdConfig.LogLevel = viper.GetString("log-level")

	switch queueCmdConfig.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q (want debug, info, warn or error)", queueCmdConfig.LogLevel)
	}
	return nil
}

// run starts the queue endpoint
func run(_ *cobra.Command, _ []string) error {
	common.InitLoggers(queueCmdConfig.LogLevel)
	fmt.Println(queueCmdConfig.String())

	server, err := queueserver.New(*queueCmdConfig, memstore.New())
	if err != nil {
		return err
	}
	return util.RunWithSignals(server.Serve, server.Shutdown, queueCmdConfig.MetricsEndpoint)
}

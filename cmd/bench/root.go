package bench

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airlock-lab/airlock/cmd/util"
	"github.com/airlock-lab/airlock/lib/storage"
	"github.com/airlock-lab/airlock/rpc/common"
	"github.com/airlock-lab/airlock/rpc/lockclient"
	"github.com/airlock-lab/airlock/rpc/queueserver"
)

var (
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Performance testing tool for airlock servers",
		Long:    "",
		RunE:    run,
		PreRunE: processBenchConfig,
	}
	benchThreads       = 10
	benchLargeKB       = 1000
	benchLockSpread    = 100
	benchSerializer    = "json"
	benchQueueEndpoint = common.DefaultQueueEndpoint
	benchSkip          = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. ping,store-large)"))
	key = "threads"
	BenchCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	BenchCmd.Flags().Int(key, 1000, util.WrapString("How large the payload for the store-large test should be (in KB)"))
	key = "locks"
	BenchCmd.Flags().Int(key, 100, util.WrapString("How many distinct lock names the lock benchmark spreads over"))
	key = "serializer"
	BenchCmd.Flags().String(key, "json", util.WrapString("The serializer for queue requests (json or binary). Must match the queue server"))
	key = "queue-endpoint"
	BenchCmd.Flags().String(key, common.DefaultQueueEndpoint, util.WrapString("The address of the queue server for the store benchmarks"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))

	util.SetupClientFlags(BenchCmd, common.DefaultLockEndpoint)
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	benchThreads = viper.GetInt("threads")
	benchLargeKB = viper.GetInt("large-value-size")
	benchLockSpread = viper.GetInt("locks")
	benchSerializer = viper.GetString("serializer")
	benchQueueEndpoint = viper.GetString("queue-endpoint")
	benchSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for airlock servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Queue Endpoint: %s (%s)\n", benchQueueEndpoint, benchSerializer)
	fmt.Printf("Threads: %d\n", benchThreads)
	fmt.Println()

	fmt.Println("starting benchmarks...")

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	pingResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("ping") {
			return
		}

		pool, cleanup, err := lockClientPool("ping", true)
		if err != nil {
			log.Printf("(ping) - error connecting: %v\n", err)
			return
		}
		b.Cleanup(cleanup)

		b.SetParallelism(benchThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				c := <-pool
				err := c.Ping()
				pool <- c
				if err != nil {
					log.Printf("(ping) - error pinging server: %v\n", err)
				}
			}
		})
	})

	results["ping"] = pingResult
	printResult("ping", pingResult)

	lockResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("lock") {
			return
		}

		// every pool entry guards its own lock name
		pool, cleanup, err := lockClientPool("bench-lock", false)
		if err != nil {
			log.Printf("(lock) - error connecting: %v\n", err)
			return
		}
		b.Cleanup(cleanup)

		b.SetParallelism(benchThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				c := <-pool
				if err := c.Acquire(); err != nil {
					log.Printf("(lock) - error acquiring lock: %v\n", err)
				} else if err := c.Release(); err != nil {
					log.Printf("(lock) - error releasing lock: %v\n", err)
				}
				pool <- c
			}
		})
	})

	results["lock"] = lockResult
	printResult("lock", lockResult)

	lockContendedResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("lock-contended") {
			return
		}

		// every pool entry fights over the same lock name
		pool, cleanup, err := lockClientPool("bench-lock-contended", true)
		if err != nil {
			log.Printf("(lock-contended) - error connecting: %v\n", err)
			return
		}
		b.Cleanup(cleanup)

		b.SetParallelism(benchThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				c := <-pool
				if err := c.Acquire(); err != nil {
					log.Printf("(lock-contended) - error acquiring lock: %v\n", err)
				} else if err := c.Release(); err != nil {
					log.Printf("(lock-contended) - error releasing lock: %v\n", err)
				}
				pool <- c
			}
		})
	})

	results["lock-contended"] = lockContendedResult
	printResult("lock-contended", lockContendedResult)

	storeResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("store") {
			return
		}

		pool, cleanup, err := senderPool()
		if err != nil {
			log.Printf("(store) - error connecting: %v\n", err)
			return
		}
		b.Cleanup(cleanup)

		payload := []byte("test")

		b.SetParallelism(benchThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				s := <-pool
				err := s.Store(storage.NewStoreRequest("append", "bench", payload, nil, nil))
				pool <- s
				if err != nil {
					log.Printf("(store) - error storing entry: %v\n", err)
				}
			}
		})
	})

	results["store"] = storeResult
	printResult("store", storeResult)

	storeLargeResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("store-large") {
			return
		}

		pool, cleanup, err := senderPool()
		if err != nil {
			log.Printf("(store-large) - error connecting: %v\n", err)
			return
		}
		b.Cleanup(cleanup)

		// prepare large payload
		payload := make([]byte, benchLargeKB*1024)

		b.SetParallelism(benchThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				s := <-pool
				err := s.Store(storage.NewStoreRequest("append", "bench-large", payload, nil, nil))
				pool <- s
				if err != nil {
					log.Printf("(store-large) - error storing entry: %v\n", err)
				}
			}
		})
	})

	results["store-large"] = storeLargeResult
	printResult("store-large", storeLargeResult)

	mixedResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("mixed") {
			return
		}

		lockPool, lockCleanup, err := lockClientPool("bench-mixed", false)
		if err != nil {
			log.Printf("(mixed) - error connecting to lock server: %v\n", err)
			return
		}
		b.Cleanup(lockCleanup)

		sendPool, sendCleanup, err := senderPool()
		if err != nil {
			log.Printf("(mixed) - error connecting to queue server: %v\n", err)
			return
		}
		b.Cleanup(sendCleanup)

		payload := []byte("test")

		b.SetParallelism(benchThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				var op string
				var err error
				switch counter % 3 {
				case 0: // store
					op = "store"
					s := <-sendPool
					err = s.Store(storage.NewStoreRequest("append", "bench-mixed", payload, nil, nil))
					sendPool <- s
				case 1: // lock
					op = "lock"
					c := <-lockPool
					if err = c.Acquire(); err == nil {
						err = c.Release()
					}
					lockPool <- c
				case 2: // ping
					op = "ping"
					c := <-lockPool
					err = c.Ping()
					lockPool <- c
				}

				if err != nil {
					log.Printf("(mixed) - error performing operation (%s): %v\n", op, err)
				}
				counter++
			}
		})
	})

	results["mixed"] = mixedResult
	printResult("mixed", mixedResult)

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range benchSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// lockClientPool connects one lock client per thread. With shared set all
// clients contend on the lock named prefix, otherwise each client guards its
// own name (wrapping around after benchLockSpread names).
func lockClientPool(prefix string, shared bool) (chan *lockclient.Client, func(), error) {
	pool := make(chan *lockclient.Client, benchThreads)
	clients := make([]*lockclient.Client, 0, benchThreads)

	cleanup := func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}

	for i := 0; i < benchThreads; i++ {
		name := prefix
		if !shared {
			name = fmt.Sprintf("%s-%d", prefix, i%benchLockSpread)
		}
		c, err := lockclient.NewClient(*util.GetClientConfig(), name)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		clients = append(clients, c)
		pool <- c
	}

	return pool, cleanup, nil
}

// senderPool connects one queue sender per thread.
func senderPool() (chan *queueserver.Sender, func(), error) {
	config := *util.GetClientConfig()
	config.Endpoint = benchQueueEndpoint

	pool := make(chan *queueserver.Sender, benchThreads)
	senders := make([]*queueserver.Sender, 0, benchThreads)

	cleanup := func() {
		for _, s := range senders {
			_ = s.Disconnect()
		}
	}

	for i := 0; i < benchThreads; i++ {
		s, err := queueserver.NewSender(config, benchSerializer)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		senders = append(senders, s)
		pool <- s
	}

	return pool, cleanup, nil
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoint", "QueueEndpoint", "TimeoutSec", "RetryCount", "PollInterval",
		"Serializer", "Threads", "LargeValueSizeKB", "Locks",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
			nsPerOp = 0
			opsPerSec = 0
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			config.Endpoint,
			benchQueueEndpoint,
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			config.PollInterval.String(),
			benchSerializer,
			strconv.Itoa(benchThreads),
			strconv.Itoa(benchLargeKB),
			strconv.Itoa(benchLockSpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}

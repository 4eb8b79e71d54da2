package lock

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/airlock-lab/airlock/cmd/util"
	"github.com/airlock-lab/airlock/rpc/common"
	"github.com/airlock-lab/airlock/rpc/lockclient"
)

var (
	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:               "lock",
		Short:             "Interact with a running lock server",
		PersistentPreRunE: bindFlags,
	}

	// acquireCmd represents the acquire command
	acquireCmd = &cobra.Command{
		Use:   "acquire [name]",
		Short: "Acquire a lock and hold it until interrupted",
		Long: `Acquire a lock, blocking while another client holds it, then hold it until
SIGINT or SIGTERM arrives. On shutdown the lock is released. Useful to keep
workers out of a shared resource during maintenance.`,
		Args: cobra.ExactArgs(1),
		RunE: runAcquire,
	}

	// releaseCmd represents the release command
	releaseCmd = &cobra.Command{
		Use:   "release [name]",
		Short: "Try to release a lock",
		Long: `Try to release a lock. The server only honors a release from the client
that holds the lock, so for a lock held elsewhere this reports the holder
instead of releasing anything.`,
		Args: cobra.ExactArgs(1),
		RunE: runRelease,
	}

	// pingCmd represents the ping command
	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Check that the lock server answers",
		Args:  cobra.NoArgs,
		RunE:  runPing,
	}

	// doneCmd represents the done command
	doneCmd = &cobra.Command{
		Use:   "done",
		Short: "Tell the lock server to shut down",
		Args:  cobra.NoArgs,
		RunE:  runDone,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitEnvConfig)

	// Add subcommands to lock command
	LockCommands.AddCommand(acquireCmd)
	LockCommands.AddCommand(releaseCmd)
	LockCommands.AddCommand(pingCmd)
	LockCommands.AddCommand(doneCmd)

	// Add common connection flags to the lock command
	util.SetupClientFlags(LockCommands, common.DefaultLockEndpoint)
}

// bindFlags binds the executed command's flags to viper
func bindFlags(cmd *cobra.Command, _ []string) error {
	return util.BindCommandFlags(cmd)
}

// newClient creates a lock client for the given lock name
func newClient(name string) (*lockclient.Client, error) {
	return lockclient.NewClient(*util.GetClientConfig(), name)
}

// runAcquire handles the acquire lock command
func runAcquire(_ *cobra.Command, args []string) error {
	name := args[0]

	client, err := newClient(name)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Acquire(); err != nil {
		return fmt.Errorf("failed to acquire lock: %v", err)
	}
	fmt.Printf("acquired %q, holding until interrupt\n", name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	if err := client.Release(); err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}
	fmt.Printf("released %q\n", name)
	return nil
}

// runRelease handles the release lock command
func runRelease(_ *cobra.Command, args []string) error {
	name := args[0]

	client, err := newClient(name)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Release(); err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}
	fmt.Printf("released %q\n", name)
	return nil
}

// runPing handles the ping command
func runPing(_ *cobra.Command, _ []string) error {
	client, err := newClient("ping")
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Ping(); err != nil {
		return fmt.Errorf("server did not answer: %v", err)
	}
	fmt.Println("PONG")
	return nil
}

// runDone handles the done command
func runDone(_ *cobra.Command, _ []string) error {
	client, err := newClient("shutdown")
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.SendDone(); err != nil {
		return fmt.Errorf("failed to send the shutdown sentinel: %v", err)
	}
	fmt.Println("server is shutting down")
	return nil
}

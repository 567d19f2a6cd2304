// dbgattach is the debugger attach helper. It runs as its own process
// and reports every outcome through its exit code: 0 success, 1 no
// debugger instance / bad arguments, 2 target not found, 3 automation
// failure. Nothing is ever allowed to escape uncaught across the
// process boundary.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadhost/testbridge/pkg/debugger"
)

var (
	ownerPID  int
	socketDir string
	quiet     bool
)

var rootCmd = &cobra.Command{
	Use:           "dbgattach",
	Short:         "Attach or detach a debugger IDE to the CAD host process",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().IntVar(&ownerPID, "owner", 0, "Prefer the debugger instance owned by this pid")
	rootCmd.PersistentFlags().StringVar(&socketDir, "socket-dir", "", "Debugger instance registry directory (default: platform runtime dir)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress log output")

	// Usage mistakes share exit code 1 with "no debugger instance";
	// cobra's own validation errors must map there, not to the
	// automation-failure code.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", debugger.ErrBadArgs, err)
	})

	rootCmd.AddCommand(
		newAttachCmd(),
		newDetachCmd(),
		newDetachAllCmd(),
		newFindHostCmd(),
		newScheduleDetachCmd(),
	)
}

// usageArgs wraps a cobra argument validator so count mismatches report
// as bad arguments, exit code 1.
func usageArgs(inner cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := inner(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", debugger.ErrBadArgs, err)
		}
		return nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(debugger.ExitCodeFor(err))
	}
}

func newCoordinator() *debugger.Coordinator {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if quiet {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}
	backend := debugger.NewSocketBackend(socketDir, 2*time.Second)
	return debugger.NewCoordinator(backend, logger)
}

// parsePID validates the positional pid argument. A bad pid is a usage
// error, exit code 1.
func parsePID(arg string) (int, error) {
	pid, err := strconv.Atoi(arg)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: invalid pid %q", debugger.ErrBadArgs, arg)
	}
	return pid, nil
}

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <pid>",
		Short: "Attach the selected debugger instance to the target process",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return newCoordinator().Attach(pid, ownerPID)
		},
	}
}

func newDetachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach <pid>",
		Short: "Detach the selected debugger instance from the target process",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return newCoordinator().Detach(pid, ownerPID)
		},
	}
}

func newDetachAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach-all",
		Short: "Detach the selected debugger instance from every process it lists",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCoordinator().DetachAll(ownerPID)
		},
	}
}

func newScheduleDetachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule-detach <pid>",
		Short: "Detach after the caller exits, via an independent helper process",
		Long: `Launches a detached copy of this helper to perform the detach so it
survives the caller's exit. TESTBRIDGE_SYNC_DETACH forces a blocking
in-process detach instead; TESTBRIDGE_NO_AUTODETACH suppresses it.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return newCoordinator().ScheduleDetach(pid, ownerPID)
		},
	}
}

func newFindHostCmd() *cobra.Command {
	hostName := "cadhost"
	cmd := &cobra.Command{
		Use:   "find-host",
		Short: "Print the pid of the host process visible to the debugger",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newCoordinator().FindHost(hostName, ownerPID)
			if err != nil {
				return err
			}
			fmt.Println(p.PID)
			return nil
		},
	}
	cmd.Flags().StringVar(&hostName, "name", hostName, "Host process name to search for")
	return cmd
}

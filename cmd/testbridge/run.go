package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/cadhost/testbridge/pkg/cancel"
	"github.com/cadhost/testbridge/pkg/protocol"
)

var (
	runHostPID     int
	runPrefix      string
	runHostVersion string
	runMethods     []string
	runDialTimeout time.Duration
	runNoCancel    bool
)

var runCmd = &cobra.Command{
	Use:   "run <bundle-dir>",
	Short: "Submit a test run to a bridge host and stream results",
	Args:  cobra.ExactArgs(1),
	RunE:  runTests,
}

func init() {
	runCmd.Flags().IntVar(&runHostPID, "host-pid", 0, "Pid of the host process to connect to (required)")
	runCmd.Flags().StringVar(&runPrefix, "prefix", protocol.DefaultPrefix, "Endpoint name prefix")
	runCmd.Flags().StringVar(&runHostVersion, "host-version", "", "Host version string folded into the endpoint name")
	runCmd.Flags().StringSliceVarP(&runMethods, "method", "m", nil, "Run only the named Type.Method cases (repeatable)")
	runCmd.Flags().DurationVar(&runDialTimeout, "dial-timeout", 5*time.Second, "How long to wait for the bridge endpoint")
	runCmd.Flags().BoolVar(&runNoCancel, "no-cancel", false, "Do not offer a cancellation channel to the host")
	runCmd.MarkFlagRequired("host-pid")
	rootCmd.AddCommand(runCmd)
}

func runTests(cmd *cobra.Command, args []string) error {
	bundleDir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	endpoint := protocol.EndpointName(runPrefix, runHostPID, runHostVersion)
	conn, err := protocol.Dial(endpoint, runDialTimeout)
	if err != nil {
		return fmt.Errorf("bridge host not reachable: %w", err)
	}
	defer conn.Close()

	command := protocol.Command{
		Command:      protocol.CommandRunTests,
		TestAssembly: bundleDir,
		TestMethods:  runMethods,
	}

	// Ctrl-C is relayed as a cooperative cancel; the host finishes the
	// current case, stops scheduling new ones, and still sends END.
	var signaller *cancel.Signaller
	if !runNoCancel {
		path := filepath.Join(os.TempDir(),
			fmt.Sprintf("testbridge-cancel-%s.sock", uuid.NewString()[:8]))
		signaller, err = cancel.NewSignaller(path)
		if err != nil {
			pterm.Warning.Printfln("cancel channel unavailable, run will not be cancellable: %v", err)
		} else {
			defer os.Remove(path)
			command.CancelPipe = path
		}
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	if signaller != nil {
		go func() {
			if _, ok := <-interrupts; ok {
				pterm.Warning.Println("cancelling run, waiting for the current case to finish")
				signaller.Signal()
			}
		}()
	}

	if err := protocol.NewWriter(conn).WriteCommand(command); err != nil {
		return fmt.Errorf("send command: %w", err)
	}

	pterm.Println()
	pterm.Println(pterm.NewStyle(pterm.FgLightCyan).Sprint("→ Bundle: ") +
		pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint(bundleDir))
	pterm.Println(pterm.NewStyle(pterm.FgLightCyan).Sprint("→ Host:   ") +
		pterm.NewStyle(pterm.FgLightBlue).Sprintf("pid %d via %s", runHostPID, endpoint))
	pterm.Println()

	summary, err := renderStream(protocol.NewReader(conn))
	if signaller != nil {
		signaller.Close()
	}
	if err != nil {
		return err
	}

	printSummary(summary)
	if summary.failed > 0 {
		os.Exit(1)
	}
	return nil
}

type streamSummary struct {
	passed  int
	failed  int
	skipped int
	started time.Time
	ended   bool
}

// renderStream consumes frames until END, printing each as it lands.
func renderStream(r *protocol.Reader) (*streamSummary, error) {
	s := &streamSummary{started: time.Now()}
	for {
		frame, err := r.ReadFrame()
		if err == io.EOF {
			if !s.ended {
				return s, fmt.Errorf("connection closed before END; host may have crashed")
			}
			return s, nil
		}
		if err != nil {
			return s, fmt.Errorf("read result stream: %w", err)
		}

		switch frame.Kind {
		case protocol.FrameEnd:
			s.ended = true
			return s, nil
		case protocol.FrameResult:
			printResult(s, frame.Result)
		case protocol.FrameLog:
			printLog(frame.Log)
		}
	}
}

func printResult(s *streamSummary, ev *protocol.ResultEvent) {
	elapsed := fmt.Sprintf("%.2fs", ev.Duration)
	switch ev.Outcome {
	case protocol.OutcomePassed:
		s.passed++
		pterm.Println(pterm.NewStyle(pterm.FgGreen).Sprint("  ✓ ") + ev.Name +
			pterm.NewStyle(pterm.FgGray).Sprint("  "+elapsed))
	case protocol.OutcomeSkipped:
		s.skipped++
		line := pterm.NewStyle(pterm.FgYellow).Sprint("  ~ ") + ev.Name
		if ev.ErrorMessage != "" {
			line += pterm.NewStyle(pterm.FgGray).Sprint("  " + ev.ErrorMessage)
		}
		pterm.Println(line)
	default:
		s.failed++
		pterm.Println(pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprint("  ✗ ") + ev.Name +
			pterm.NewStyle(pterm.FgGray).Sprint("  "+elapsed))
		if ev.ErrorMessage != "" {
			pterm.Println(pterm.NewStyle(pterm.FgRed).Sprint("      " + ev.ErrorMessage))
		}
		if ev.ErrorStackTrace != "" {
			pterm.Println(pterm.NewStyle(pterm.FgGray).Sprint(indent(ev.ErrorStackTrace, "      ")))
		}
	}
}

func printLog(ev *protocol.LogEvent) {
	style := pterm.NewStyle(pterm.FgGray)
	if ev.Level == "WARN" {
		style = pterm.NewStyle(pterm.FgYellow)
	} else if ev.Level == "ERROR" || ev.Level == "FATAL" {
		style = pterm.NewStyle(pterm.FgRed)
	}
	pterm.Println(style.Sprintf("  [%s] %s", ev.Level, ev.Message))
}

func printSummary(s *streamSummary) {
	total := s.passed + s.failed + s.skipped
	pterm.Println()
	line := fmt.Sprintf("%d tests in %.1fs: ", total, time.Since(s.started).Seconds())
	line += pterm.NewStyle(pterm.FgGreen).Sprintf("%d passed", s.passed)
	if s.failed > 0 {
		line += ", " + pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprintf("%d failed", s.failed)
	}
	if s.skipped > 0 {
		line += ", " + pterm.NewStyle(pterm.FgYellow).Sprintf("%d skipped", s.skipped)
	}
	pterm.Println(line)
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n"+prefix)
}

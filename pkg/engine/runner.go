package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/cadhost/testbridge/pkg/protocol"
)

// CaseResult is the primitive, serializable outcome of one case.
type CaseResult struct {
	Outcome      protocol.Outcome
	Duration     time.Duration
	ErrorMessage string
	StackTrace   string
}

// Runner executes one discovered case. Implementations must never
// panic across this boundary; a broken case is a Failed result.
type Runner interface {
	Run(ctx context.Context, bundle *Bundle, c Case) CaseResult
}

// caseRequest is the contract-v1 request written to the bundle runner's
// stdin, one JSON line.
type caseRequest struct {
	Contract  int    `json:"contract"`
	Case      string `json:"case"`
	BundleDir string `json:"bundleDir"`
}

// caseResponse is the contract-v1 response read from the runner's
// stdout, one JSON line.
type caseResponse struct {
	Contract        int     `json:"contract"`
	Outcome         string  `json:"outcome"`
	DurationSeconds float64 `json:"durationSeconds"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
	StackTrace      string  `json:"stackTrace,omitempty"`
}

// ExecRunner invokes the bundle's resolved runner executable per case,
// speaking the contract over stdin/stdout. This is the only crossing
// mechanism into the isolated bundle; there is no by-name reflective
// fallback.
type ExecRunner struct{}

// NewExecRunner returns the production runner.
func NewExecRunner() *ExecRunner { return &ExecRunner{} }

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, bundle *Bundle, c Case) CaseResult {
	start := time.Now()

	if bundle.RunnerPath == "" {
		return failedResult(start, "bundle has no runner executable", "")
	}

	req, err := json.Marshal(caseRequest{
		Contract:  ContractVersion,
		Case:      c.FullName(),
		BundleDir: bundle.Dir,
	})
	if err != nil {
		return failedResult(start, fmt.Sprintf("encode case request: %v", err), "")
	}

	cmd := exec.CommandContext(ctx, bundle.RunnerPath)
	cmd.Dir = bundle.Dir
	cmd.Stdin = bytes.NewReader(append(req, '\n'))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return failedResult(start,
			fmt.Sprintf("case runner failed: %v", err),
			stderr.String())
	}

	resp, err := parseCaseResponse(&stdout)
	if err != nil {
		return failedResult(start, err.Error(), stderr.String())
	}

	res := CaseResult{
		Duration:     time.Duration(resp.DurationSeconds * float64(time.Second)),
		ErrorMessage: resp.ErrorMessage,
		StackTrace:   resp.StackTrace,
	}
	if res.Duration <= 0 {
		res.Duration = time.Since(start)
	}

	switch protocol.Outcome(resp.Outcome) {
	case protocol.OutcomePassed:
		res.Outcome = protocol.OutcomePassed
	case protocol.OutcomeSkipped:
		res.Outcome = protocol.OutcomeSkipped
	case protocol.OutcomeFailed:
		res.Outcome = protocol.OutcomeFailed
	default:
		res.Outcome = protocol.OutcomeFailed
		if res.ErrorMessage == "" {
			res.ErrorMessage = fmt.Sprintf("runner reported unknown outcome %q", resp.Outcome)
		}
	}
	return res
}

// parseCaseResponse takes the last JSON line of the runner's stdout so
// incidental test output above it does not break the contract.
func parseCaseResponse(stdout *bytes.Buffer) (*caseResponse, error) {
	var last []byte
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) > 0 && line[0] == '{' {
			last = append(last[:0], line...)
		}
	}
	if len(last) == 0 {
		return nil, fmt.Errorf("case runner produced no result line")
	}

	var resp caseResponse
	if err := json.Unmarshal(last, &resp); err != nil {
		return nil, fmt.Errorf("parse case result: %w", err)
	}
	if resp.Contract != ContractVersion {
		return nil, fmt.Errorf("case result contract %d not supported (want %d)",
			resp.Contract, ContractVersion)
	}
	return &resp, nil
}

func failedResult(start time.Time, msg, trace string) CaseResult {
	return CaseResult{
		Outcome:      protocol.OutcomeFailed,
		Duration:     time.Since(start),
		ErrorMessage: msg,
		StackTrace:   trace,
	}
}

var _ Runner = (*ExecRunner)(nil)

package engine

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cadhost/testbridge/pkg/protocol"
)

// The artifact is a JUnit-shaped testsuite document written to the
// scratch directory. Its path is informational; it never crosses the
// streamed protocol.

type xmlTestSuite struct {
	XMLName  xml.Name      `xml:"testsuite"`
	Name     string        `xml:"name,attr"`
	Tests    int           `xml:"tests,attr"`
	Failures int           `xml:"failures,attr"`
	Skipped  int           `xml:"skipped,attr"`
	Time     float64       `xml:"time,attr"`
	Cases    []xmlTestCase `xml:"testcase"`
}

type xmlTestCase struct {
	Name    string      `xml:"name,attr"`
	Time    float64     `xml:"time,attr"`
	Failure *xmlFailure `xml:"failure,omitempty"`
	Skipped *xmlSkipped `xml:"skipped,omitempty"`
}

type xmlFailure struct {
	Message string `xml:"message,attr"`
	Trace   string `xml:",chardata"`
}

type xmlSkipped struct {
	Message string `xml:"message,attr,omitempty"`
}

func writeArtifact(scratchDir, runID string, summary *Summary) (string, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	suite := xmlTestSuite{
		Name:     runID,
		Tests:    summary.Total,
		Failures: summary.Failed,
		Skipped:  summary.Skipped,
		Time:     summary.Duration.Seconds(),
	}
	for _, ev := range summary.Results {
		tc := xmlTestCase{Name: ev.Name, Time: ev.Duration}
		switch ev.Outcome {
		case protocol.OutcomeFailed:
			tc.Failure = &xmlFailure{
				Message: ev.ErrorMessage,
				Trace:   ev.ErrorStackTrace,
			}
		case protocol.OutcomeSkipped:
			tc.Skipped = &xmlSkipped{Message: ev.ErrorMessage}
		}
		suite.Cases = append(suite.Cases, tc)
	}

	data, err := xml.MarshalIndent(suite, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result artifact: %w", err)
	}

	path := filepath.Join(scratchDir, fmt.Sprintf("results-%s.xml", runID))
	if err := os.WriteFile(path, append([]byte(xml.Header), data...), 0o644); err != nil {
		return "", fmt.Errorf("write result artifact: %w", err)
	}
	return path, nil
}

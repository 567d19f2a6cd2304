package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadhost/testbridge/pkg/debugger"
)

// TestRootCmd_UsageErrorsExitOne maps every argument mistake to exit code 1
func TestRootCmd_UsageErrorsExitOne(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"missing pid", []string{"attach"}},
		{"extra args", []string{"detach", "42", "43"}},
		{"non-numeric pid", []string{"attach", "notapid"}},
		{"negative pid", []string{"detach", "-5"}},
		{"unknown flag", []string{"attach", "42", "--bogus"}},
		{"args to detach-all", []string{"detach-all", "42"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rootCmd.SetOut(io.Discard)
			rootCmd.SetErr(io.Discard)
			rootCmd.SetArgs(tc.args)

			err := rootCmd.Execute()
			require.Error(t, err)
			assert.Equal(t, debugger.ExitNoInstance, debugger.ExitCodeFor(err),
				"usage error %v must exit 1, got error: %v", tc.args, err)
		})
	}
}

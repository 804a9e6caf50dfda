// cmd/root_test.go
package cmd

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootRegistersSubcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "enroll")
	assert.Contains(t, names, "notify")
	assert.Contains(t, names, "qr")
}

func TestVersionTemplate(t *testing.T) {
	assert.NotEmpty(t, Version)
	assert.Equal(t, Version, rootCmd.Version)
}

func TestPromptSolverReadsAnswer(t *testing.T) {
	var out bytes.Buffer
	p := &promptSolver{in: bufio.NewReader(strings.NewReader("  x7k2p \n")), out: &out}

	answer, err := p.Solve(context.Background(), "captcha.png")
	require.NoError(t, err)
	assert.Equal(t, "x7k2p", answer)
	assert.Contains(t, out.String(), "captcha.png")
}

func TestPromptSolverRejectsEmptyAnswer(t *testing.T) {
	p := &promptSolver{in: bufio.NewReader(strings.NewReader("\n")), out: &bytes.Buffer{}}
	_, err := p.Solve(context.Background(), "captcha.png")
	assert.Error(t, err)
}

func TestPromptSolverHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &promptSolver{in: bufio.NewReader(strings.NewReader("abc\n")), out: &bytes.Buffer{}}
	_, err := p.Solve(ctx, "captcha.png")
	assert.ErrorIs(t, err, context.Canceled)
}

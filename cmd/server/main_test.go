package main

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := run(ctx, &options{host: "127.0.0.1", port: 0, logLevel: "error", connect: []string{"127.0.0.1:1"}})
	require.NoError(t, err)
}

func TestRunRejectsBadLevel(t *testing.T) {
	err := run(context.Background(), &options{logLevel: "chatty"})
	assert.Error(t, err)
}

func TestFlagsAreExclusive(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--tor", "--socks5", "127.0.0.1:9050"})
	assert.Error(t, cmd.Execute())
}

package main

import (
	"context"
	"net"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunServe_ReturnsListenError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	t.Setenv("CELLTRIP_SERVER_ADDR", taken.Addr().String())
	t.Setenv("CELLTRIP_SERVER_GRPC_ADDR", "127.0.0.1:0")
	t.Setenv("CELLTRIP_LOG_LEVEL", "error")

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	err = runServe(cmd, nil)
	assert.Error(t, err)
}

package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.shoal.dev/shoal/src/certs"
	"go.shoal.dev/shoal/src/shoalclient"
	"go.shoal.dev/shoal/src/shoald"
)

func TestDefaultAddr(t *testing.T) {
	require.Equal(t, shoalclient.DefaultServerAddr, shoald.DefaultListenAddr)
	require.Equal(t, shoalclient.DefaultServerName, certs.DefaultServerName)
}

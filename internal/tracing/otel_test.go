package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetup_RequiresEndpoint(t *testing.T) {
	_, err := Setup(context.Background(), Config{Enabled: true})
	require.Error(t, err)
}

func TestProtocol(t *testing.T) {
	assert.Equal(t, ProtocolHTTP, protocol(Config{Protocol: "HTTP"}))
	assert.Equal(t, ProtocolGRPC, protocol(Config{Protocol: ""}))
	assert.Equal(t, ProtocolGRPC, protocol(Config{Protocol: "grpc"}))
}

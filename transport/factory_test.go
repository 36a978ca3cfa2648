package transport_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/madara-run/madara/api"
	"github.com/madara-run/madara/settings"
	"github.com/madara-run/madara/transport"
)

func TestNewBindingRejectsUnsupportedTypes(t *testing.T) {
	for _, typ := range []settings.TransportType{
		settings.TransportNone,
		settings.TransportSplice,
		settings.TransportNDDS,
		settings.TransportZMQ,
	} {
		s := settings.New()
		s.Type = typ
		_, err := transport.NewBinding(s)
		var apiErr *api.Error
		require.ErrorAs(t, err, &apiErr, "type %s", typ)
		require.Equal(t, api.ErrCodeNotSupported, apiErr.Code, "type %s", typ)
	}
}

func TestNewBindingRequiresHosts(t *testing.T) {
	s := settings.New() // UDP by default, no hosts
	_, err := transport.NewBinding(s)
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, api.ErrCodeInvalidArgument, apiErr.Code)
}

func TestNewBindingConstructsUDP(t *testing.T) {
	s := settings.New()
	s.Hosts = []string{"127.0.0.1:0"}
	b, err := transport.NewBinding(s)
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/log"
)

func TestFactory(t *testing.T) {
	factory := NewFactory(log.Discard(), nil)

	t.Run("defaults", func(t *testing.T) {
		stage, err := factory(nil)
		require.NoError(t, err)
		assert.Equal(t, Name, stage.Name())

		c := stage.(*Classifier)
		assert.Equal(t, core.KindTLSRecords, c.Classify(core.ClientToServer, clientHello).Kind())
	})

	t.Run("parser options", func(t *testing.T) {
		stage, err := factory(map[string]any{
			"parsers": map[string]map[string]any{
				"http-response": {"keep_body": true},
			},
		})
		require.NoError(t, err)

		resp, ok := stage.(*Classifier).Classify(core.ServerToClient, okResponse).(core.HTTPResponse)
		require.True(t, ok)
		assert.Equal(t, []byte("hello"), resp.Body)
	})

	t.Run("client parsers without tls", func(t *testing.T) {
		stage, err := factory(map[string]any{"client_parsers": "http-request"})
		require.NoError(t, err)
		assert.Equal(t, core.KindUnclassified, stage.(*Classifier).Classify(core.ClientToServer, clientHello).Kind())
	})

	t.Run("unknown parser", func(t *testing.T) {
		_, err := factory(map[string]any{"server_parsers": []string{"gopher"}})
		var cfgErr *core.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.ErrorIs(t, err, core.ErrStageNotFound)
	})

	t.Run("bad parser option", func(t *testing.T) {
		_, err := factory(map[string]any{
			"parsers": map[string]map[string]any{
				"tls": {"max_records": -1},
			},
		})
		assert.ErrorIs(t, err, core.ErrConfigInvalid)
	})
}

func TestFactoryRegistry(t *testing.T) {
	reg := chain.NewRegistry[chain.Stage]("stage")
	reg.MustRegister(Name, NewFactory(nil, nil))

	stage, err := reg.Build(Name, nil)
	require.NoError(t, err)
	require.NoError(t, stage.Link(chain.NewSliceProducer(tcpRecord(core.ClientToServer, getRequest))))

	rec, err := stage.Next()
	require.NoError(t, err)
	assert.Equal(t, core.KindHTTPRequest, classification(t, rec).Kind())
}

package coordination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewElectorValidation(t *testing.T) {
	_, err := NewElector("", Config{Endpoints: []string{"127.0.0.1:2379"}}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewElector("node-1", Config{}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewElectorDefaults(t *testing.T) {
	e, err := NewElector("node-1", Config{Endpoints: []string{"127.0.0.1:2379"}}, zap.NewNop())
	require.NoError(t, err)
	defer e.client.Close()

	assert.Equal(t, 5*time.Second, e.config.DialTimeout)
	assert.Equal(t, 15*time.Second, e.config.SessionTTL)
	assert.False(t, e.IsLeader())
	assert.Empty(t, e.Leader())
}

func TestElectorStopWithoutStart(t *testing.T) {
	e, err := NewElector("node-1", Config{Endpoints: []string{"127.0.0.1:2379"}}, zap.NewNop())
	require.NoError(t, err)
	defer e.client.Close()

	assert.Error(t, e.Stop())
}

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFieldVocabulary(t *testing.T) {
	// Every component logs these keys through the same constructors, so a
	// log query on entity or batch_id joins lines across the pipeline.
	assert.Equal(t, zap.String("component", "delta"), Component("delta"))
	assert.Equal(t, zap.String("entity", "item"), Entity("item"))
	assert.Equal(t, zap.String("batch_id", "b-1"), Batch("b-1"))
	assert.Equal(t, zap.String("stage", "validate"), Stage("validate"))
}

func TestGetWithoutInit(t *testing.T) {
	log := Get()
	require.NotNil(t, log)
	assert.Same(t, log, Get())
}

func TestInitRejectsBadLevel(t *testing.T) {
	_, err := build(Config{Level: "loud", Encoding: "json"})
	assert.Error(t, err)
}

func TestBuildDefaultsToStdout(t *testing.T) {
	log, err := build(Config{Level: "debug", Encoding: "console", Development: true})
	require.NoError(t, err)
	require.NotNil(t, log)
}

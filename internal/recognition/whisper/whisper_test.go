package whisper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yok-tottii/EzS2T-Mix/internal/recognition"
)

func TestLoadModel_NonExistentFile(t *testing.T) {
	e := New()
	defer e.Close()

	assert.Error(t, e.LoadModel("/nonexistent/path/model.bin"))
	assert.False(t, e.Loaded())
}

func TestTranscribe_ModelNotLoaded(t *testing.T) {
	e := New()
	defer e.Close()

	_, err := e.Transcribe(context.Background(), make([]float32, 1000), recognition.DefaultOptions())
	assert.Error(t, err)
}

func TestClose_WithoutModel(t *testing.T) {
	assert.NoError(t, New().Close())
}

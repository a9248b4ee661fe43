package config

import (
	"context"
	"testing"

	"github.com/calebweinreb/dynamax/hmmlib"
	"github.com/calebweinreb/dynamax/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestParse(t *testing.T) {

	cfg, err := Parse([]byte(`
em:
  max_iter: 200
  init: kmeans
  seed: 7
gibbs:
  sample_size: 500
  state_dim: 3
  chains: 4
log:
  prefix: run1
  compress: true
`))
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.EM.MaxIter)
	assert.Equal(t, 1e-8, cfg.EM.Tolerance)
	assert.Equal(t, uint64(7), cfg.EM.Seed)
	assert.Equal(t, 3, cfg.Gibbs.StateDim)
	assert.Equal(t, 4, cfg.Gibbs.Chains)
	assert.Equal(t, "run1", cfg.Log.Prefix)
	assert.True(t, cfg.Log.Compress)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)

	m, err := cfg.EM.InitMethod()
	require.NoError(t, err)
	assert.Equal(t, hmmlib.InitKMeans, m)

	opts := cfg.EM.FitOptions()
	assert.Equal(t, 200, opts.MaxIter)

	s := cfg.Gibbs.Sampler(logging.Discard().Msg)
	assert.Equal(t, 500, s.SampleSize)
	assert.Equal(t, 3, s.StateDim)
}

func TestParseInvalid(t *testing.T) {

	tests := []struct {
		name string
		yaml string
	}{
		{"bad init", "em:\n  init: random\n"},
		{"zero iterations", "em:\n  max_iter: 0\n"},
		{"negative tolerance", "em:\n  tolerance: -1\n"},
		{"no state", "gibbs:\n  state_dim: 0\n"},
		{"no chains", "gibbs:\n  chains: 0\n"},
		{"negative backups", "log:\n  max_backups: -2\n"},
		{"not yaml", "em: [1, 2"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestValidateMessage(t *testing.T) {

	cfg := Default()
	cfg.Gibbs.SampleSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
	assert.Contains(t, err.Error(), "SampleSize")
}

func TestGibbsRunChains(t *testing.T) {

	cfg, err := Parse([]byte("gibbs:\n  sample_size: 3\n  state_dim: 1\n  chains: 2\n  seed: 5\n"))
	require.NoError(t, err)

	y := mat.NewDense(10, 1, []float64{0.1, 0.4, 0.2, -0.3, -0.5, 0.1, 0.6, 0.9, 0.4, 0.2})
	res, err := cfg.Gibbs.Run(context.Background(), logging.Discard().Msg, y, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, r := range res {
		assert.Len(t, r.Samples, 3)
	}
}

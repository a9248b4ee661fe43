package logging

import (
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFiles(t *testing.T) {

	prefix := filepath.Join(t.TempDir(), "run")
	l := New(Config{Prefix: prefix, MaxSizeMB: 1})

	l.Msg.Printf("starting")
	l.Par.Printf("%12.4f", 1.5)
	require.NoError(t, l.Close())

	msg, err := os.ReadFile(prefix + "_msg.log")
	require.NoError(t, err)
	assert.Contains(t, string(msg), "starting")

	par, err := os.ReadFile(prefix + "_par.log")
	require.NoError(t, err)
	assert.Equal(t, "      1.5000\n", string(par))
}

func TestDiscard(t *testing.T) {

	l := Discard()
	l.Msg.Printf("dropped")
	assert.NoError(t, l.Close())
}

func TestStderr(t *testing.T) {

	l := New(Config{})
	assert.Equal(t, log.Ltime, l.Msg.Flags())
	assert.Equal(t, 0, l.Par.Flags())
	assert.NoError(t, l.Close())
}

func TestNewBar(t *testing.T) {

	bar := NewBar(false, 3, "EM")
	for i := 0; i < 3; i++ {
		require.NoError(t, bar.Add(1))
	}
	assert.Equal(t, int64(3), bar.State().CurrentNum)
	assert.Equal(t, int64(3), bar.GetMax64())
	require.NoError(t, bar.Finish())
}

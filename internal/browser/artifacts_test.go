package browser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestArtifactStore_SaveCreatesDirectoryAndFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "artifacts")
	store := NewArtifactStore(dir, true, zaptest.NewLogger(t))

	require.True(t, store.Enabled())
	store.Save("debug_signup_1.png", []byte{0x89, 0x50, 0x4e, 0x47})

	data, err := os.ReadFile(filepath.Join(dir, "debug_signup_1.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, data)
}

func TestArtifactStore_DisabledWritesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	store := NewArtifactStore(dir, false, zaptest.NewLogger(t))

	assert.False(t, store.Enabled())
	store.Save("debug_keys_page.html", []byte("<html></html>"))

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "disabled store must not touch the filesystem")
}

func TestArtifactStore_ExpandsHomeDirectory(t *testing.T) {
	store := NewArtifactStore("~/refkeygen-artifacts", true, zaptest.NewLogger(t))
	require.True(t, store.Enabled())

	home, err := homedir.Dir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "refkeygen-artifacts"), store.Dir())
}

func TestArtifactStore_NilReceiverIsInert(t *testing.T) {
	var store *ArtifactStore

	assert.False(t, store.Enabled())
	assert.Empty(t, store.Dir())
	assert.NotPanics(t, func() {
		store.Save("debug_after_verification.png", []byte("data"))
	})
}

func TestArtifactStore_OverwritesExistingArtifact(t *testing.T) {
	dir := t.TempDir()
	store := NewArtifactStore(dir, true, zaptest.NewLogger(t))

	store.Save("debug_keys_page.html", []byte("first"))
	store.Save("debug_keys_page.html", []byte("second"))

	data, err := os.ReadFile(filepath.Join(dir, "debug_keys_page.html"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

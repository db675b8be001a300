package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := New([]string{PadToken, UnkToken, "good", "bad", "movie"}, DefaultConfig())
	require.NoError(t, err)
	return tok
}

func TestEncode(t *testing.T) {
	tok := testTokenizer(t)
	assert.Equal(t, []int64{2, 4}, tok.Encode("Good movie!"))
	assert.Equal(t, []int64{3, 1, 4}, tok.Encode("bad, boring movie"))
	assert.Equal(t, []int64{1}, tok.Encode("   "))
}

func TestEncodeTruncates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLength = 2
	tok, err := New([]string{PadToken, UnkToken, "a"}, cfg)
	require.NoError(t, err)
	assert.Len(t, tok.Encode("a a a a"), 2)
}

func TestEncodeBatchPads(t *testing.T) {
	tok := testTokenizer(t)
	b := tok.EncodeBatch([]string{"good", "bad movie"})

	assert.Equal(t, 2, b.Size)
	assert.Equal(t, 2, b.SeqLen)
	assert.Equal(t, []int64{2, 0, 3, 4}, b.IDs)
	assert.Equal(t, []int64{1, 0, 1, 1}, b.Mask)
}

func TestNewRejectsBadVocab(t *testing.T) {
	_, err := New([]string{PadToken, "x", "x"}, DefaultConfig())
	assert.ErrorContains(t, err, "duplicate")

	_, err = New([]string{PadToken, "x"}, DefaultConfig())
	assert.ErrorContains(t, err, "missing from vocabulary")
}

func TestSaveLoadKeepsFingerprint(t *testing.T) {
	dir := t.TempDir()
	tok := testTokenizer(t)
	require.NoError(t, tok.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, tok.Fingerprint(), loaded.Fingerprint())
	assert.Equal(t, 5, loaded.VocabSize())
}

func TestFingerprintChangesWithVocab(t *testing.T) {
	dir := t.TempDir()
	tok := testTokenizer(t)
	require.NoError(t, tok.Save(dir))

	f, err := os.OpenFile(filepath.Join(dir, VocabFile), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("extra\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	changed, err := Load(dir)
	require.NoError(t, err)
	assert.NotEqual(t, tok.Fingerprint(), changed.Fingerprint())
}

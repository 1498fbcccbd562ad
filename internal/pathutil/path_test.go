package pathutil

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "addons/data.bin", Normalize(`addons\data.bin`))
	assert.Equal(t, "addons/data.bin", Normalize("addons/data.bin"))
	assert.Equal(t, "a/b/c", Normalize(`a\b/c`))
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{`addons\data.bin`, "addons/data.bin", `a\b\c`, ""}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		assert.Equal(t, once, twice, "Normalize should be idempotent for %q", in)
	}
}

func TestCanonicalize(t *testing.T) {
	assert.Equal(t, "addons/data.bin", Canonicalize(`ADDONS\Data.Bin`))
}

func TestValidateAllowsDotDotSubstring(t *testing.T) {
	require.NoError(t, Validate("foo..bar"))
	require.NoError(t, Validate("addons/foo..bar.pbo"))
}

func TestValidateRejectsTraversalSegment(t *testing.T) {
	for _, p := range []string{"..", "../x", "a/../b", "a/.."} {
		err := Validate(p)
		require.Error(t, err, p)
		assert.True(t, errors.Is(err, ErrInvalidPath))
	}
}

func TestValidateRejectsDotSegment(t *testing.T) {
	require.Error(t, Validate("./x"))
	require.Error(t, Validate("a/./b"))
}

func TestValidateRejectsAbsolute(t *testing.T) {
	require.Error(t, Validate("/etc/passwd"))
	require.Error(t, Validate(`\windows\system32`))
}

func TestValidateRejectsDriveLetter(t *testing.T) {
	require.Error(t, Validate(`C:/Windows`))
	require.Error(t, Validate(`1:/x`))
}

func TestValidateAcceptsOrdinaryPath(t *testing.T) {
	require.NoError(t, Validate("@mod/addons/main.pbo"))
}

func TestNormalizeAndValidate(t *testing.T) {
	got, err := NormalizeAndValidate(`addons\data.bin`)
	require.NoError(t, err)
	assert.Equal(t, "addons/data.bin", got)

	_, err = NormalizeAndValidate(`..\etc\passwd`)
	require.Error(t, err)
}

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "idx/doc/file.txt", ObjectKey("idx", "doc", "file.txt"))
	assert.Equal(t, "idx/file.txt", ObjectKey("idx", "", "file.txt"))
	assert.Equal(t, "idx/", Prefix("idx", ""))
	assert.Equal(t, "idx/doc/", Prefix("idx", "doc"))
}

func TestCheckPath(t *testing.T) {
	assert.NoError(t, CheckPath("idx", "", ""))
	assert.NoError(t, CheckPath("idx", "doc", "a.txt"))
	assert.ErrorIs(t, CheckPath("", "doc", ""), ErrInvalidName)
	assert.ErrorIs(t, CheckPath("idx", "a/b", ""), ErrInvalidName)
	assert.ErrorIs(t, CheckPath("idx", "doc", `..`), ErrInvalidName)
}

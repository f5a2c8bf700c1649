package namegen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperationIDsArePrefixed(t *testing.T) {
	id := Operation()
	assert.True(t, strings.HasPrefix(id.String(), "op-"))
	assert.Greater(t, len(id.String()), len("op-"))
}

func TestServerNamesEmbedTheArray(t *testing.T) {
	id := Server("hpc")
	assert.True(t, strings.HasPrefix(id.String(), "hpc-"))
	assert.Greater(t, len(id.String()), len("hpc-"))
}

package xid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesPrefixAndIsUnique(t *testing.T) {
	seen := make(map[string]struct{}, 256)
	for i := 0; i < 256; i++ {
		id := New("cs")
		require.True(t, strings.HasPrefix(id, "cs-"), "unexpected id %q", id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %q", id)
		seen[id] = struct{}{}
	}
}

func TestNewSortsByCreationTime(t *testing.T) {
	first := New("acr")
	second := New("acr")
	assert.Less(t, first, second)
}

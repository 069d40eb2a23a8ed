package rewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStore_SeedsFromConfig(t *testing.T) {
	s := NewStore(true, Mapping{"a": "b"})
	assert.True(t, s.Enabled())
	assert.Equal(t, "b", s.Mapping()["a"])
}

func TestStore_SetReplacesAtomically(t *testing.T) {
	s := NewStore(false, nil)
	s.Set(true, Mapping{"claude-3-opus*": "claude-opus-4-1"})

	assert.True(t, s.Enabled())
	assert.Equal(t, "claude-opus-4-1", s.Mapping()["claude-3-opus*"])
}

func TestStore_MappingSnapshotIsIndependent(t *testing.T) {
	s := NewStore(true, Mapping{"a": "b"})
	snap := s.Mapping()
	snap["a"] = "mutated"

	assert.Equal(t, "b", s.Mapping()["a"])
}

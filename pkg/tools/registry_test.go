package tools

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
)

const deleteSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "recursive": {"type": "boolean"}
  },
  "required": ["path"],
  "additionalProperties": false
}`

func TestRegistry_RegisterAndValidate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{Name: "fs.delete", Schema: deleteSchema, RequiredTier: contracts.TierDelete}))
	require.NoError(t, r.Register(Tool{Name: "search"}))

	tool, err := r.Get("fs.delete")
	require.NoError(t, err)
	assert.Equal(t, contracts.TierDelete, tool.RequiredTier)

	search, err := r.Get("search")
	require.NoError(t, err)
	assert.Equal(t, contracts.TierReadOnly, search.RequiredTier)

	assert.NoError(t, r.ValidateArguments("fs.delete", map[string]any{"path": "/tmp/x"}))
	assert.NoError(t, r.ValidateArguments("search", map[string]any{"anything": 1}))

	err = r.ValidateArguments("fs.delete", map[string]any{"recursive": true})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	err = r.ValidateArguments("fs.delete", nil)
	assert.ErrorIs(t, err, ErrInvalidArguments)

	err = r.ValidateArguments("fs.delete", map[string]any{"path": "/tmp", "force": true})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	err = r.ValidateArguments("shell", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistry_RejectsBadDefinitions(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Tool{}))
	assert.Error(t, r.Register(Tool{Name: "x", RequiredTier: "ROOT"}))
	assert.Error(t, r.Register(Tool{Name: "x", Schema: `{"type": 5}`}))
	assert.Error(t, r.Register(Tool{Name: "x", Schema: `not json`}))

	_, err := r.Get("x")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(Tool{Name: n}))
	}
	var names []string
	for _, tl := range r.List() {
		names = append(names, tl.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{Name: "fs.delete", Schema: deleteSchema}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.ValidateArguments("fs.delete", map[string]any{"path": "a"})
			_ = r.List()
		}()
	}
	wg.Wait()
}

package slashcmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/pkg/types"
)

func TestBuiltinsPresent(t *testing.T) {
	r := NewRegistry()

	for name, kind := range map[string]Kind{
		"/help":    KindConsumerLocal,
		"/clear":   KindConsumerLocal,
		"/model":   KindRelay,
		"/status":  KindRelay,
		"/config":  KindRelay,
		"/cost":    KindRelay,
		"/context": KindPassthrough,
		"/compact": KindPassthrough,
		"/files":   KindPassthrough,
	} {
		cmd, ok := r.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, kind, cmd.Kind, name)
	}
}

func TestLookupNormalizes(t *testing.T) {
	r := NewRegistry()

	cmd, ok := r.Lookup("help")
	require.True(t, ok)
	assert.Equal(t, "/help", cmd.Name)

	// Arguments do not participate in lookup.
	cmd, ok = r.Lookup("/compact focus on the tests")
	require.True(t, ok)
	assert.Equal(t, "/compact", cmd.Name)
}

func TestReseedSwapsDynamicLayer(t *testing.T) {
	r := NewRegistry()

	r.Reseed([]string{"/commit"}, []types.SkillInfo{{Name: "deploy", Description: "Deploy it"}})

	cmd, ok := r.Lookup("/commit")
	require.True(t, ok)
	assert.Equal(t, KindPassthrough, cmd.Kind)

	cmd, ok = r.Lookup("/deploy")
	require.True(t, ok)
	assert.Equal(t, "Deploy it", cmd.Description)

	// A later init replaces the dynamic layer wholesale.
	r.Reseed([]string{"/rebase"}, nil)
	_, ok = r.Lookup("/commit")
	assert.False(t, ok)
	_, ok = r.Lookup("/rebase")
	assert.True(t, ok)

	// Built-ins survive every reseed.
	_, ok = r.Lookup("/help")
	assert.True(t, ok)
}

func TestBuiltinWinsOverDynamic(t *testing.T) {
	r := NewRegistry()
	r.Reseed([]string{"/help"}, nil)

	cmd, ok := r.Lookup("/help")
	require.True(t, ok)
	assert.Equal(t, KindConsumerLocal, cmd.Kind)
}

func TestEnrichInPlace(t *testing.T) {
	r := NewRegistry()
	r.Reseed([]string{"/commit"}, nil)

	r.Enrich([]types.CommandInfo{
		{Name: "/commit", Description: "Create a git commit", ArgumentHint: "[message]"},
		{Name: "/review", Description: "Review the diff"},
	})

	cmd, _ := r.Lookup("/commit")
	assert.Equal(t, "Create a git commit", cmd.Description)
	assert.Equal(t, "[message]", cmd.ArgumentHint)
	assert.Equal(t, KindPassthrough, cmd.Kind)

	// Unknown names are added as passthrough commands.
	cmd, ok := r.Lookup("/review")
	require.True(t, ok)
	assert.Equal(t, KindPassthrough, cmd.Kind)
}

func TestHelpTextReflectsRegistry(t *testing.T) {
	r := NewRegistry()
	r.Reseed([]string{"/commit"}, nil)

	help := r.HelpText()
	assert.Contains(t, help, "/help")
	assert.Contains(t, help, "/commit")
	assert.Contains(t, help, "Show accumulated cost")
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	list := r.List()
	require.NotEmpty(t, list)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Name, list[i].Name)
	}
}

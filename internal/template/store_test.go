package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func projectTemplate(name string) *Template {
	return &Template{
		Name:        name,
		Description: "custom flow",
		Version:     1,
		Stages: []StageTemplate{
			{Name: "Design", Type: StageDesign, Gate: GateTemplate{Type: GateHumanApproval, Prompt: "Approve the design."}},
			{Name: "Implementation", Type: StageImplementation, Gate: GateTemplate{Type: GateChainComplete}},
		},
	}
}

func TestStoreGetBuiltin(t *testing.T) {
	store := newTestStore(t)

	tpl, err := store.Get("standard")
	require.NoError(t, err)
	assert.True(t, tpl.Builtin)
	assert.Len(t, tpl.Stages, 5)

	// Mutating the returned copy must not affect the store.
	tpl.Stages[0].Name = "mutated"
	again, err := store.Get("standard")
	require.NoError(t, err)
	assert.Equal(t, "Request", again.Stages[0].Name)
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCreate(t *testing.T) {
	store := newTestStore(t)

	created, err := store.Create(projectTemplate("docs-flow"), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)
	assert.False(t, created.Builtin)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := store.Get("docs-flow")
	require.NoError(t, err)
	assert.Equal(t, "custom flow", got.Description)

	t.Run("duplicate name rejected", func(t *testing.T) {
		_, err := store.Create(projectTemplate("docs-flow"), "alice")
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("builtin name rejected", func(t *testing.T) {
		_, err := store.Create(projectTemplate("standard"), "alice")
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("invalid content rejected", func(t *testing.T) {
		bad := projectTemplate("bad")
		bad.Stages = nil
		_, err := store.Create(bad, "alice")
		assert.ErrorContains(t, err, "has no stages")
		_, statErr := os.Stat(filepath.Join(store.Dir(), "bad.yaml"))
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestStoreUpdateAndVersions(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(projectTemplate("docs-flow"), "alice")
	require.NoError(t, err)

	edited := projectTemplate("docs-flow")
	edited.Description = "custom flow v2"
	updated, err := store.Update(edited, "bob", "tightened gates")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	got, err := store.Get("docs-flow")
	require.NoError(t, err)
	assert.Equal(t, "custom flow v2", got.Description)

	versions, err := store.Versions("docs-flow")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, "alice", versions[0].ChangedBy)
	assert.Equal(t, 2, versions[1].Version)
	assert.Equal(t, "tightened gates", versions[1].Description)
	assert.Equal(t, "custom flow", versions[0].Template.Description)

	t.Run("builtin immutable", func(t *testing.T) {
		tpl := projectTemplate("standard")
		_, err := store.Update(tpl, "bob", "nope")
		assert.ErrorIs(t, err, ErrTemplateImmutable)
	})

	t.Run("unknown template", func(t *testing.T) {
		_, err := store.Update(projectTemplate("ghost"), "bob", "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreDuplicate(t *testing.T) {
	store := newTestStore(t)

	copy, err := store.Duplicate("standard", "standard-docs", "alice")
	require.NoError(t, err)
	assert.False(t, copy.Builtin)
	assert.Equal(t, 1, copy.Version)
	assert.Len(t, copy.Stages, 5)

	// The copy is editable even though the source was built-in.
	copy.Description = "docs variant"
	updated, err := store.Update(copy, "alice", "describe")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
}

func TestStoreRestore(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(projectTemplate("docs-flow"), "alice")
	require.NoError(t, err)

	edited := projectTemplate("docs-flow")
	edited.Description = "changed"
	_, err = store.Update(edited, "bob", "edit")
	require.NoError(t, err)

	restored, err := store.Restore("docs-flow", 1, "carol")
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Version)
	assert.Equal(t, "custom flow", restored.Description)

	versions, err := store.Versions("docs-flow")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Contains(t, versions[2].Description, "restored from version 1")

	t.Run("missing version", func(t *testing.T) {
		_, err := store.Restore("docs-flow", 99, "carol")
		assert.ErrorIs(t, err, ErrVersionNotFound)
	})
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(projectTemplate("docs-flow"), "alice")
	require.NoError(t, err)

	require.NoError(t, store.Delete("docs-flow"))
	_, err = store.Get("docs-flow")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Versions("docs-flow")
	assert.ErrorIs(t, err, ErrNotFound)

	t.Run("builtin rejected", func(t *testing.T) {
		err := store.Delete("standard")
		assert.ErrorIs(t, err, ErrTemplateImmutable)
	})

	t.Run("missing rejected", func(t *testing.T) {
		err := store.Delete("docs-flow")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreList(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(projectTemplate("aaa-flow"), "alice")
	require.NoError(t, err)

	templates, err := store.List()
	require.NoError(t, err)
	require.Len(t, templates, 4)

	// Built-ins first, then project templates.
	assert.Equal(t, "hotfix", templates[0].Name)
	assert.Equal(t, "ideation", templates[1].Name)
	assert.Equal(t, "standard", templates[2].Name)
	assert.Equal(t, "aaa-flow", templates[3].Name)
}

func TestWatcherInvalidatesCache(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(projectTemplate("docs-flow"), "alice")
	require.NoError(t, err)

	// Prime the cache.
	_, err = store.Get("docs-flow")
	require.NoError(t, err)

	watcher, err := NewWatcher(store)
	require.NoError(t, err)
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)

	// Edit the file behind the store's back.
	path := filepath.Join(store.Dir(), "docs-flow.yaml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tpl, err := Parse(data)
	require.NoError(t, err)
	tpl.Description = "edited on disk"
	edited, err := yaml.Marshal(tpl)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, edited, 0644))

	require.Eventually(t, func() bool {
		got, err := store.Get("docs-flow")
		return err == nil && got.Description == "edited on disk"
	}, 3*time.Second, 20*time.Millisecond)
}

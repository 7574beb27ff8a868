package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/internal/testutil"
	"github.com/rendis/dispatch/internal/validation"
	"github.com/rendis/dispatch/pkg/schema"
)

func playbookYAML(version string) string {
	v := ""
	if version != "" {
		v = "\n  version: \"" + version + "\""
	}
	return `
metadata:
  path: demo/hello` + v + `
workflow:
  - step: start
    next: end
  - step: end
`
}

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	v, err := validation.NewPlaybookValidator(nil)
	require.NoError(t, err)
	return New(testutil.NewStore(t), v, testutil.Logger())
}

func TestRegister_AndFetch(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	entry, report, err := c.Register(ctx, []byte(playbookYAML("1.2")))
	require.NoError(t, err)
	assert.True(t, report.Valid())
	assert.Equal(t, ID("demo/hello", "1.2"), entry.CatalogID)

	got, err := c.FetchEntry(ctx, "demo/hello", "1.2")
	require.NoError(t, err)
	assert.Equal(t, entry.CatalogID, got.CatalogID)
	assert.Contains(t, got.Content, "demo/hello")

	pb, err := c.Playbook(ctx, entry.CatalogID)
	require.NoError(t, err)
	assert.NotNil(t, pb.Step("end"))
}

func TestRegister_InvalidPlaybook(t *testing.T) {
	c := newCatalog(t)
	_, report, err := c.Register(context.Background(), []byte("metadata: {path: x}\nworkflow: []\n"))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.False(t, report.Valid())
}

func TestLatestVersion(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	for _, v := range []string{"1.9", "1.10", "1.2"} {
		_, _, err := c.Register(ctx, []byte(playbookYAML(v)))
		require.NoError(t, err)
	}

	latest, err := c.LatestVersion(ctx, "demo/hello")
	require.NoError(t, err)
	assert.Equal(t, "1.10", latest)

	entry, err := c.FetchEntry(ctx, "demo/hello", "latest")
	require.NoError(t, err)
	assert.Equal(t, "1.10", entry.Version)

	_, err = c.LatestVersion(ctx, "demo/missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRegister_AssignsNextVersion(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	first, _, err := c.Register(ctx, []byte(playbookYAML("")))
	require.NoError(t, err)
	assert.Equal(t, "1", first.Version)

	second, _, err := c.Register(ctx, []byte(playbookYAML("")))
	require.NoError(t, err)
	assert.Equal(t, "2", second.Version)
}

func TestSeedDir(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.yaml"), []byte(playbookYAML("1")), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "broken.yml"), []byte("workflow: nope"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	n, err := c.SeedDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := c.List(ctx, store.CatalogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "demo/hello", entries[0].Path)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, CompareVersions("1.2.3", "v1.2.3"))
	assert.Equal(t, 1, CompareVersions("1.10", "1.9"))
	assert.Equal(t, -1, CompareVersions("1.2", "1.2.1"))
	assert.Equal(t, 1, CompareVersions("2", "1.99"))
	assert.Equal(t, -1, CompareVersions("1.0-alpha", "1.0-beta"))
}

func TestNextVersion(t *testing.T) {
	assert.Equal(t, "1", nextVersion(""))
	assert.Equal(t, "4", nextVersion("3.2.1"))
	assert.Equal(t, "beta.1", nextVersion("beta"))
}

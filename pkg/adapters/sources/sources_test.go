package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openrecords/requestflow/pkg/ports"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDirectorySourceSearch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Road-Maintenance-2024.pdf", "plan")
	writeFile(t, dir, "archive/road_budget.xlsx", "numbers")
	writeFile(t, dir, "unrelated.txt", "nothing here")

	src := NewDirectorySource(dir, zap.NewNop())

	refs, err := src.Search(context.Background(), []string{"ROAD"})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	for _, ref := range refs {
		assert.NotEmpty(t, ref.ID)
		assert.Positive(t, ref.Size)
	}

	// An empty term list matches nothing.
	refs, err = src.Search(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestDirectorySourceFetch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "plan.pdf", "content")

	src := NewDirectorySource(dir, zap.NewNop())
	refs, err := src.Search(context.Background(), []string{"plan"})
	require.NoError(t, err)
	require.Len(t, refs, 1)

	path, err := src.Fetch(context.Background(), refs[0])
	require.NoError(t, err)
	assert.Equal(t, refs[0].Path, path)

	_, err = src.Fetch(context.Background(), ports.DocumentRef{Path: filepath.Join(dir, "gone.pdf")})
	assert.Error(t, err)
}

func TestStaticMailSourceSearch(t *testing.T) {
	now := time.Now()
	src := NewStaticMailSource()
	src.Add("clerk@example.gov",
		ports.MailMessage{ID: "m1", Subject: "Road maintenance update", SentAt: now},
		ports.MailMessage{ID: "m2", Subject: "Lunch plans", SentAt: now},
		ports.MailMessage{ID: "m3", Subject: "Old road report", SentAt: now.Add(-48 * time.Hour)},
	)

	found, err := src.Search(context.Background(), "clerk@example.gov", []string{"road"}, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "m1", found[0].ID)

	// Unknown mailboxes are simply empty.
	found, err = src.Search(context.Background(), "nobody@example.gov", []string{"road"}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, found)
}

package knowledge

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFSChunksAndSkipsOtherFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"runbooks/deploy.md": {Data: []byte("# Deploy\n\nRun the pipeline.\n\nCheck the canary.")},
		"notes.txt":          {Data: []byte("oncall rotates weekly")},
		"image.png":          {Data: []byte{0x89, 'P', 'N', 'G'}},
	}
	docs, err := loadFS(fsys)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	sources := []string{docs[0].Source, docs[1].Source}
	assert.ElementsMatch(t, []string{"runbooks/deploy.md", "notes.txt"}, sources)

	again, err := loadFS(fsys)
	require.NoError(t, err)
	assert.Equal(t, docs[0].ID, again[0].ID)
}

func TestChunkRespectsLimit(t *testing.T) {
	text := strings.Repeat("a", 30) + "\n\n" + strings.Repeat("b", 30) + "\n\n" + strings.Repeat("c", 90)
	chunks := chunk(text, 64)
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Repeat("a", 30)+"\n\n"+strings.Repeat("b", 30), chunks[0])
	assert.Equal(t, strings.Repeat("c", 64), chunks[1])
	assert.Equal(t, strings.Repeat("c", 26), chunks[2])
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 64)
	}
}

func TestSeedIndexesIntoMemory(t *testing.T) {
	r := NewMemoryRetriever()
	require.NoError(t, Seed(context.Background(), r, []Document{{Source: "a.md", Content: "rollback procedure"}}))
	hits, err := r.Search(context.Background(), "rollback", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a.md", hits[0].Source)
}

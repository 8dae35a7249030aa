package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// maxChunk bounds the size of one indexed document.
const maxChunk = 1500

var seedExts = map[string]bool{".md": true, ".txt": true}

// LoadDir reads every .md and .txt file under dir and splits it into
// paragraph-aligned chunks. IDs are stable across runs so reseeding
// overwrites instead of duplicating.
func LoadDir(dir string) ([]Document, error) {
	return loadFS(os.DirFS(dir))
}

func loadFS(fsys fs.FS) ([]Document, error) {
	var docs []Document
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !seedExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		for i, chunk := range chunk(string(data), maxChunk) {
			docs = append(docs, Document{
				ID:      uuid.NewSHA1(uuid.NameSpaceURL, []byte(path+"#"+strconv.Itoa(i))).String(),
				Source:  path,
				Content: chunk,
				Meta:    map[string]string{"chunk": strconv.Itoa(i)},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// chunk groups blank-line separated paragraphs into pieces of at most max
// bytes. A single oversized paragraph is cut hard.
func chunk(text string, max int) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > max {
			flush()
		}
		for len(para) > max {
			out = append(out, para[:max])
			para = para[max:]
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return out
}

// Seed indexes docs into r, stopping at the first failure.
func Seed(ctx context.Context, r Retriever, docs []Document) error {
	for _, d := range docs {
		if err := r.Index(ctx, d); err != nil {
			return fmt.Errorf("index %s: %w", d.Source, err)
		}
	}
	return nil
}

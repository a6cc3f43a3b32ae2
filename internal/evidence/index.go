package evidence

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/mohammad-safakhou/researcher/utils"
)

const (
	passageChars = 800
	snippetChars = 300
)

// Passage is one indexed chunk of an extracted page.
type Passage struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Hit is a ranked passage match.
type Hit struct {
	Passage
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

// Index is an in-memory BM25 index over the passages extracted during one research session.
type Index struct {
	mu    sync.RWMutex
	bleve bleve.Index
	meta  map[string]Passage
	urls  map[string]int
}

func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create evidence index: %w", err)
	}
	return &Index{bleve: idx, meta: make(map[string]Passage), urls: make(map[string]int)}, nil
}

// AddDocument splits text into passages and indexes them. Re-adding a URL replaces nothing and returns 0.
func (x *Index) AddDocument(url, title, text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, seen := x.urls[url]; seen {
		return 0, nil
	}
	chunks := split(text, passageChars)
	batch := x.bleve.NewBatch()
	for i, c := range chunks {
		p := Passage{ID: fmt.Sprintf("%s#%d", url, i), URL: url, Title: title, Text: c}
		if err := batch.Index(p.ID, p); err != nil {
			return 0, fmt.Errorf("index passage %s: %w", p.ID, err)
		}
		x.meta[p.ID] = p
	}
	if err := x.bleve.Batch(batch); err != nil {
		return 0, fmt.Errorf("index %s: %w", url, err)
	}
	x.urls[url] = len(chunks)
	return len(chunks), nil
}

// Search returns the k best passages for free-text q.
func (x *Index) Search(q string, k int) ([]Hit, error) {
	if strings.TrimSpace(q) == "" || k <= 0 {
		return nil, nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(q), k, 0, false)
	res, err := x.bleve.Search(req)
	if err != nil {
		return nil, fmt.Errorf("evidence search: %w", err)
	}
	out := make([]Hit, 0, len(res.Hits))
	for i, h := range res.Hits {
		p, ok := x.meta[h.ID]
		if !ok {
			continue
		}
		out = append(out, Hit{Passage: p, Snippet: utils.Truncate(p.Text, snippetChars), Score: h.Score, Rank: i + 1})
	}
	return out, nil
}

// Documents returns how many distinct URLs were indexed.
func (x *Index) Documents() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.urls)
}

func (x *Index) Close() error { return x.bleve.Close() }

// split packs paragraphs into chunks of roughly size runes.
func split(text string, size int) []string {
	paras := strings.Split(text, "\n")
	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		for len([]rune(p)) > size {
			r := []rune(p)
			flush()
			out = append(out, string(r[:size]))
			p = string(r[size:])
		}
		if cur.Len() > 0 && len([]rune(cur.String()))+len([]rune(p)) > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(p)
	}
	flush()
	return out
}

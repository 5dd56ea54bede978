package incidents

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Okapi BM25 parameters; the usual defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

type bm25Index struct {
	postings map[string]map[int]int // term -> doc -> term frequency
	docLen   map[int]int
	totalLen int
	docCount int
}

type bm25Hit struct {
	doc   int
	score float64
}

func newBM25Index() *bm25Index {
	return &bm25Index{
		postings: map[string]map[int]int{},
		docLen:   map[int]int{},
	}
}

func (ix *bm25Index) add(doc int, text string) {
	terms := tokenize(text)
	for _, t := range terms {
		m, ok := ix.postings[t]
		if !ok {
			m = map[int]int{}
			ix.postings[t] = m
		}
		m[doc]++
	}
	ix.docLen[doc] = len(terms)
	ix.totalLen += len(terms)
	ix.docCount++
}

// search scores all documents sharing at least one term with the query,
// highest score first; ties break on document order.
func (ix *bm25Index) search(query string) []bm25Hit {
	if ix.docCount == 0 {
		return nil
	}
	avgLen := float64(ix.totalLen) / float64(ix.docCount)
	scores := map[int]float64{}
	for _, term := range tokenize(query) {
		docs, ok := ix.postings[term]
		if !ok {
			continue
		}
		idf := math.Log(1 + (float64(ix.docCount)-float64(len(docs))+0.5)/(float64(len(docs))+0.5))
		for doc, tf := range docs {
			norm := bm25K1 * (1 - bm25B + bm25B*float64(ix.docLen[doc])/avgLen)
			scores[doc] += idf * (float64(tf) * (bm25K1 + 1)) / (float64(tf) + norm)
		}
	}
	hits := make([]bm25Hit, 0, len(scores))
	for doc, score := range scores {
		hits = append(hits, bm25Hit{doc: doc, score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].doc < hits[j].doc
	})
	return hits
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

package search

import (
	"sort"
	"strings"
	"unicode"
)

// DefaultLimit размер выдачи по умолчанию
const DefaultLimit = 20

// Веса совпадений. Совпадение в названии важнее совпадения в описании,
// точное совпадение токена важнее префиксного.
const (
	weightNameExact    = 10.0
	weightNamePrefix   = 6.0
	weightDescExact    = 3.0
	weightDescPrefix   = 2.0
	weightPhrasePrefix = 1.0
)

// Tokenize приводит текст к нижнему регистру и режет по небуквенно-цифровым символам
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Query разобранный поисковый запрос
type Query struct {
	Text   string
	Tokens []string
}

// ParseQuery разбирает текст запроса. Пустой или пробельный текст дает пустой запрос.
func ParseQuery(text string) Query {
	normalized := strings.Join(Tokenize(text), " ")
	return Query{Text: normalized, Tokens: Tokenize(text)}
}

// IsEmpty запрос без токенов
func (q Query) IsEmpty() bool {
	return len(q.Tokens) == 0
}

func matchField(token string, fieldTokens []string) (exact, prefix bool) {
	for _, ft := range fieldTokens {
		if ft == token {
			return true, false
		}
		if strings.HasPrefix(ft, token) {
			prefix = true
		}
	}
	return false, prefix
}

// Score релевантность документа запросу. Ноль означает отсутствие совпадений.
func Score(doc Document, q Query) float64 {
	if q.IsEmpty() {
		return 0
	}
	nameTokens := Tokenize(doc.Name)
	descTokens := Tokenize(doc.Description)

	score := 0.0
	for _, token := range q.Tokens {
		if exact, prefix := matchField(token, nameTokens); exact {
			score += weightNameExact
		} else if prefix {
			score += weightNamePrefix
		}
		if exact, prefix := matchField(token, descTokens); exact {
			score += weightDescExact
		} else if prefix {
			score += weightDescPrefix
		}
	}
	if score > 0 && strings.HasPrefix(strings.Join(nameTokens, " "), q.Text) {
		score += weightPhrasePrefix
	}
	return score
}

// Result документ с релевантностью
type Result struct {
	Document Document
	Score    float64
}

// Rank оценивает документы, отбрасывает нерелевантные и возвращает limit лучших.
// Порядок: score по убыванию, затем name и id.
func Rank(docs []Document, q Query, limit int) []Result {
	if limit <= 0 {
		limit = DefaultLimit
	}
	results := make([]Result, 0, len(docs))
	for _, doc := range docs {
		if s := Score(doc, q); s > 0 {
			results = append(results, Result{Document: doc, Score: s})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Document.Name != b.Document.Name {
			return a.Document.Name < b.Document.Name
		}
		return a.Document.ID < b.Document.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// TopK ранжирует поток документов, держа в памяти не больше limit+batch штук.
// Порядок Rank полный, поэтому результат совпадает с Rank по всему потоку.
type TopK struct {
	query   Query
	limit   int
	batch   int
	kept    []Result
	pending []Document
}

// NewTopK создает накопитель на limit лучших результатов
func NewTopK(q Query, limit, batch int) *TopK {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if batch <= 0 {
		batch = limit
	}
	return &TopK{query: q, limit: limit, batch: batch}
}

// Add добавляет кандидата
func (t *TopK) Add(doc Document) {
	t.pending = append(t.pending, doc)
	if len(t.pending) >= t.batch {
		t.flush()
	}
}

func (t *TopK) flush() {
	if len(t.pending) == 0 {
		return
	}
	t.kept = Rank(append(documents(t.kept), t.pending...), t.query, t.limit)
	t.pending = t.pending[:0]
}

// Results возвращает лучшие результаты в порядке Rank
func (t *TopK) Results() []Result {
	t.flush()
	return t.kept
}

func documents(results []Result) []Document {
	docs := make([]Document, len(results))
	for i, r := range results {
		docs[i] = r.Document
	}
	return docs
}

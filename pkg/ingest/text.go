package ingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/jobctx"
)

// chunkNamespace derives stable chunk IDs from document ID and index, so a
// re-run of the same document overwrites its chunks.
var chunkNamespace = uuid.MustParse("6f1c3c2e-52a4-4c53-9b0e-7d1f5e0b8a11")

// ChunkID returns the ID of chunk index of document.
func ChunkID(documentID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/%d", documentID, index))).String()
}

const (
	defaultChunkSize = 1200
	embeddingDims    = 64
	maxConceptTags   = 6
)

// TextProcessor handles plain text and Markdown. Sections come from ATX
// headings; enrichment is lexical.
type TextProcessor struct {
	Fetcher *Fetcher

	// ChunkSize is the target chunk length in bytes.
	ChunkSize int

	// Embedder, when set, replaces the hashed bag-of-words vectors with
	// model embeddings. Embedding failures are transient.
	Embedder embeddings.Embedder
}

var _ Processor = (*TextProcessor)(nil)

// NewTextProcessor returns a processor with default sizes.
func NewTextProcessor(f *Fetcher) *TextProcessor {
	if f == nil {
		f = &Fetcher{}
	}
	return &TextProcessor{Fetcher: f, ChunkSize: defaultChunkSize}
}

// Download implements Processor.
func (p *TextProcessor) Download(ctx context.Context, in Input) (Raw, error) {
	return p.Fetcher.Fetch(ctx, in)
}

var textTypes = map[string]bool{
	"":                true,
	"text/plain":      true,
	"text/markdown":   true,
	"text/x-markdown": true,
}

// Extract implements Processor.
func (p *TextProcessor) Extract(ctx context.Context, in Input, raw Raw) (Document, error) {
	if !textTypes[raw.ContentType] {
		return Document{}, core.InvalidInput(fmt.Errorf("unsupported content type %q", raw.ContentType))
	}
	if strings.ContainsRune(raw.Content, '\x00') {
		return Document{}, core.InvalidInput(fmt.Errorf("document is not text"))
	}
	title := in.Title
	if title == "" {
		for _, line := range strings.Split(raw.Content, "\n") {
			if level, heading := atxHeading(line); level == 1 {
				title = heading
				break
			}
		}
	}
	return Document{Title: title, Text: raw.Content}, nil
}

// Normalize implements Processor.
func (p *TextProcessor) Normalize(ctx context.Context, doc Document) (Document, error) {
	text := strings.ReplaceAll(doc.Text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	doc.Text = strings.TrimSpace(strings.Join(out, "\n"))
	return doc, nil
}

// MatchStructure implements Processor.
func (p *TextProcessor) MatchStructure(ctx context.Context, doc Document) (Structure, error) {
	var sections []Section
	offset := 0
	for _, line := range strings.SplitAfter(doc.Text, "\n") {
		if level, heading := atxHeading(line); level > 0 {
			if n := len(sections); n > 0 {
				sections[n-1].End = offset
			} else if offset > 0 {
				sections = append(sections, Section{Start: 0, End: offset})
			}
			sections = append(sections, Section{Heading: heading, Level: level, Start: offset})
		}
		offset += len(line)
	}
	if len(sections) == 0 {
		sections = append(sections, Section{Start: 0})
	}
	sections[len(sections)-1].End = len(doc.Text)
	return Structure{Sections: sections}, nil
}

func atxHeading(line string) (int, string) {
	line = strings.TrimSpace(line)
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level == len(line) || line[level] != ' ' {
		return 0, ""
	}
	return level, strings.TrimSpace(strings.TrimRight(line[level:], "#"))
}

// Chunk implements Processor. Paragraphs are packed up to ChunkSize and never
// cross a section boundary.
func (p *TextProcessor) Chunk(ctx context.Context, doc Document, s Structure) ([]Draft, error) {
	size := p.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	var drafts []Draft
	for _, sec := range s.Sections {
		if sec.Start < 0 || sec.End > len(doc.Text) || sec.Start > sec.End {
			return nil, core.Permanent(fmt.Errorf("section [%d, %d) outside document", sec.Start, sec.End))
		}
		body := doc.Text[sec.Start:sec.End]

		var buf strings.Builder
		start := -1
		flush := func() {
			if buf.Len() == 0 {
				return
			}
			drafts = append(drafts, Draft{Index: len(drafts), Content: buf.String(), Offset: sec.Start + start})
			buf.Reset()
			start = -1
		}

		pos := 0
		for _, para := range strings.SplitAfter(body, "\n\n") {
			at := pos
			pos += len(para)
			text := strings.TrimSpace(para)
			if text == "" {
				continue
			}
			if level, _ := atxHeading(text); level > 0 && !strings.Contains(text, "\n") {
				continue
			}
			if buf.Len() > 0 && buf.Len()+len(text)+2 > size {
				flush()
			}
			if start < 0 {
				start = at
			}
			if buf.Len() > 0 {
				buf.WriteString("\n\n")
			}
			buf.WriteString(text)
		}
		flush()
	}
	return drafts, nil
}

// TransferMetadata implements Processor. Each draft takes the heading of the
// section it starts in and the path of enclosing headings.
func (p *TextProcessor) TransferMetadata(ctx context.Context, doc Document, s Structure, drafts []Draft) ([]Draft, error) {
	paths := make([]string, len(s.Sections))
	var stack []Section
	for i, sec := range s.Sections {
		for len(stack) > 0 && stack[len(stack)-1].Level >= sec.Level && sec.Level > 0 {
			stack = stack[:len(stack)-1]
		}
		if sec.Heading != "" {
			stack = append(stack, sec)
		}
		names := make([]string, 0, len(stack)+1)
		if doc.Title != "" && (len(stack) == 0 || stack[0].Heading != doc.Title) {
			names = append(names, doc.Title)
		}
		for _, st := range stack {
			names = append(names, st.Heading)
		}
		paths[i] = strings.Join(names, " > ")
	}

	out := make([]Draft, len(drafts))
	for i, d := range drafts {
		idx := sort.Search(len(s.Sections), func(j int) bool { return s.Sections[j].End > d.Offset })
		if idx < len(s.Sections) {
			d.Heading = s.Sections[idx].Heading
			d.Path = paths[idx]
		}
		out[i] = d
	}
	return out, nil
}

// Enrich implements Processor.
func (p *TextProcessor) Enrich(ctx context.Context, in Input, drafts []Draft) ([]core.Chunk, error) {
	vectors, err := p.embed(ctx, drafts)
	if err != nil {
		return nil, err
	}
	chunks := make([]core.Chunk, 0, len(drafts))
	for i, d := range drafts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		terms := tokenize(d.Content)
		vec := Embed(terms)
		if vectors != nil {
			vec = vectors[i]
		}
		chunks = append(chunks, core.Chunk{
			ID:              ChunkID(in.DocumentID, d.Index),
			DocumentID:      in.DocumentID,
			ChunkIndex:      d.Index,
			Content:         d.Content,
			Embedding:       vec,
			ImportanceScore: importance(terms, d.Heading != ""),
			ConceptTags:     concepts(terms, d.Heading),
			Polarity:        Polarity(terms),
			Domain:          in.Domain,
		})
		jobctx.ReportProgress(ctx, (i+1)*100/len(drafts), fmt.Sprintf("enriched %d/%d chunks", i+1, len(drafts)))
	}
	return chunks, nil
}

// embed returns one model vector per draft, or nil when no Embedder is set.
func (p *TextProcessor) embed(ctx context.Context, drafts []Draft) ([]core.Vector, error) {
	if p.Embedder == nil || len(drafts) == 0 {
		return nil, nil
	}
	texts := make([]string, len(drafts))
	for i, d := range drafts {
		texts[i] = d.Content
	}
	raw, err := p.Embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.Transient(fmt.Errorf("embed chunks: %w", err))
	}
	if len(raw) != len(drafts) {
		return nil, core.Transient(fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(raw), len(drafts)))
	}
	out := make([]core.Vector, len(raw))
	for i, v := range raw {
		out[i] = core.Vector(v)
	}
	return out, nil
}

var stopwords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`a about above after again against all also am an and any are as at be
		because been before being below between both but by can could did do does doing down during each
		few for from further had has have having he her here hers herself him himself his how i if in into
		is it its itself just me more most my myself no nor not now of off on once only or other our ours
		out over own same she should so some such than that the their theirs them then there these they
		this those through to too under until up very was we were what when where which while who whom why
		will with would you your yours`) {
		stopwords[w] = true
	}
}

func tokenize(s string) []string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := words[:0]
	for _, w := range words {
		w = strings.Trim(w, "'")
		if w != "" && !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

// Embed returns a unit-length hashed bag-of-words vector.
func Embed(terms []string) core.Vector {
	if len(terms) == 0 {
		return nil
	}
	v := make([]float64, embeddingDims)
	for _, t := range terms {
		h := fnv.New32a()
		_, _ = h.Write([]byte(t))
		sum := h.Sum32()
		sign := 1.0
		if sum&1 == 1 {
			sign = -1
		}
		v[(sum>>1)%embeddingDims] += sign
	}
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	out := make(core.Vector, embeddingDims)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out
}

func concepts(terms []string, heading string) core.StringList {
	counts := map[string]int{}
	for _, t := range terms {
		if len([]rune(t)) >= 4 {
			counts[t]++
		}
	}
	for _, t := range tokenize(heading) {
		if len([]rune(t)) >= 4 {
			counts[t] += 2
		}
	}
	tags := make([]string, 0, len(counts))
	for t := range counts {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > maxConceptTags {
		tags = tags[:maxConceptTags]
	}
	return tags
}

// importance rises with lexical variety and length, saturating at 1.
func importance(terms []string, headed bool) float64 {
	if len(terms) == 0 {
		return 0
	}
	unique := map[string]bool{}
	for _, t := range terms {
		unique[t] = true
	}
	variety := float64(len(unique)) / float64(len(terms))
	length := math.Min(1, float64(len(terms))/120)
	score := 0.5*variety + 0.4*length
	if headed {
		score += 0.1
	}
	return math.Round(math.Min(1, score)*1000) / 1000
}

var (
	positive = wordSet("advantage benefit better clear confirm confirms effective efficient gain gains good great improve improved improves increase increases positive proven reliable robust strong succeed success successful support supports true useful valid")
	negative = wordSet("bad contradict contradicts decline decrease decreases deny denies disprove disproves fail failed fails false flawed harm harmful ineffective invalid loss negative poor refute refutes reject rejects risk unreliable weak worse wrong")
)

func wordSet(s string) map[string]bool {
	m := map[string]bool{}
	for _, w := range strings.Fields(s) {
		m[w] = true
	}
	return m
}

// Polarity is the lexicon stance of terms in [-1, 1].
func Polarity(terms []string) float64 {
	var pos, neg float64
	for _, t := range terms {
		switch {
		case positive[t]:
			pos++
		case negative[t]:
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return math.Round((pos-neg)/(pos+neg)*1000) / 1000
}

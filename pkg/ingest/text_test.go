package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/docpipe/pkg/core"
)

const sampleDoc = "# Feedback Loops\r\n\r\nFeedback loops regulate growth in living systems.   \n\n\n\n" +
	"## Markets\n\nMarkets show the same feedback: prices rise, demand falls.\n\n" +
	"Strong evidence supports this and it is reliable.\n\n" +
	"### Failures\n\nSome models fail and are wrong about feedback.\n"

func process(t *testing.T, p *TextProcessor, in Input) (Document, Structure, []Draft) {
	t.Helper()
	ctx := context.Background()
	raw, err := p.Download(ctx, in)
	require.NoError(t, err)
	doc, err := p.Extract(ctx, in, raw)
	require.NoError(t, err)
	doc, err = p.Normalize(ctx, doc)
	require.NoError(t, err)
	st, err := p.MatchStructure(ctx, doc)
	require.NoError(t, err)
	drafts, err := p.Chunk(ctx, doc, st)
	require.NoError(t, err)
	drafts, err = p.TransferMetadata(ctx, doc, st, drafts)
	require.NoError(t, err)
	return doc, st, drafts
}

func TestTextProcessor_Pipeline(t *testing.T) {
	p := NewTextProcessor(nil)
	doc, st, drafts := process(t, p, Input{DocumentID: "D1", Content: sampleDoc})

	assert.Equal(t, "Feedback Loops", doc.Title)
	assert.NotContains(t, doc.Text, "\r")
	assert.NotContains(t, doc.Text, "\n\n\n")
	assert.NotContains(t, doc.Text, "   \n")

	require.Len(t, st.Sections, 3)
	assert.Equal(t, "Feedback Loops", st.Sections[0].Heading)
	assert.Equal(t, 2, st.Sections[1].Level)
	assert.Equal(t, len(doc.Text), st.Sections[2].End)
	for i := 1; i < len(st.Sections); i++ {
		assert.Equal(t, st.Sections[i-1].End, st.Sections[i].Start)
	}

	require.Len(t, drafts, 3)
	assert.Equal(t, "Feedback loops regulate growth in living systems.", drafts[0].Content)
	assert.Equal(t, "Feedback Loops", drafts[0].Path)
	assert.Contains(t, drafts[1].Content, "Strong evidence")
	assert.Equal(t, "Markets", drafts[1].Heading)
	assert.Equal(t, "Feedback Loops > Markets", drafts[1].Path)
	assert.Equal(t, "Feedback Loops > Markets > Failures", drafts[2].Path)
	for i, d := range drafts {
		assert.Equal(t, i, d.Index)
		assert.True(t, strings.HasPrefix(doc.Text[d.Offset:], d.Content[:10]), "offset of draft %d", i)
	}
}

func TestTextProcessor_ChunkSize(t *testing.T) {
	p := NewTextProcessor(nil)
	p.ChunkSize = 15
	_, _, drafts := process(t, p, Input{DocumentID: "D1", Content: "alpha beta\n\ngamma delta\n\nepsilon"})
	require.Len(t, drafts, 3)
	assert.Equal(t, "epsilon", drafts[2].Content)
}

func TestTextProcessor_NoHeadings(t *testing.T) {
	p := NewTextProcessor(nil)
	doc, st, drafts := process(t, p, Input{DocumentID: "D1", Title: "Notes", Content: "one\n\ntwo"})
	assert.Equal(t, "Notes", doc.Title)
	require.Len(t, st.Sections, 1)
	require.Len(t, drafts, 1)
	assert.Equal(t, "one\n\ntwo", drafts[0].Content)
	assert.Equal(t, "Notes", drafts[0].Path)
}

func TestTextProcessor_RejectsBinary(t *testing.T) {
	p := NewTextProcessor(nil)
	_, err := p.Extract(context.Background(), Input{}, Raw{Content: "%PDF", ContentType: "application/pdf"})
	var ce *core.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.KindInvalidInput, ce.Kind)

	_, err = p.Extract(context.Background(), Input{}, Raw{Content: "a\x00b"})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.KindInvalidInput, ce.Kind)
}

func TestTextProcessor_Enrich(t *testing.T) {
	p := NewTextProcessor(nil)
	_, _, drafts := process(t, p, Input{DocumentID: "D1", Content: sampleDoc})

	chunks, err := p.Enrich(context.Background(), Input{DocumentID: "D1", Domain: "systems"}, drafts)
	require.NoError(t, err)
	require.Len(t, chunks, len(drafts))

	for i, c := range chunks {
		assert.Equal(t, ChunkID("D1", i), c.ID)
		assert.Equal(t, "D1", c.DocumentID)
		assert.Equal(t, "systems", c.Domain)
		assert.Len(t, c.Embedding, embeddingDims)
		assert.Greater(t, c.ImportanceScore, 0.0)
		assert.LessOrEqual(t, c.ImportanceScore, 1.0)
		assert.NotEmpty(t, c.ConceptTags)
	}
	assert.Contains(t, chunks[0].ConceptTags, "feedback")
	assert.Greater(t, chunks[1].Polarity, 0.0)
	assert.Less(t, chunks[2].Polarity, 0.0)

	again, err := p.Enrich(context.Background(), Input{DocumentID: "D1", Domain: "systems"}, drafts)
	require.NoError(t, err)
	assert.Equal(t, chunks, again)
}

func TestChunkID_Stable(t *testing.T) {
	assert.Equal(t, ChunkID("D1", 0), ChunkID("D1", 0))
	assert.NotEqual(t, ChunkID("D1", 0), ChunkID("D1", 1))
	assert.NotEqual(t, ChunkID("D1", 0), ChunkID("D2", 0))
}

func TestEmbed(t *testing.T) {
	assert.Nil(t, Embed(nil))
	v := Embed([]string{"feedback", "growth"})
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
	assert.Equal(t, v, Embed([]string{"feedback", "growth"}))
}

func TestPolarity(t *testing.T) {
	assert.Equal(t, 0.0, Polarity(tokenize("the sky")))
	assert.Equal(t, 1.0, Polarity(tokenize("strong and reliable")))
	assert.Equal(t, -1.0, Polarity(tokenize("weak and wrong")))
	assert.Equal(t, 0.0, Polarity(tokenize("good but bad")))
}

func TestAtxHeading(t *testing.T) {
	level, text := atxHeading("## Markets ##")
	assert.Equal(t, 2, level)
	assert.Equal(t, "Markets", text)

	level, _ = atxHeading("#hashtag")
	assert.Zero(t, level)
	level, _ = atxHeading("####### too deep")
	assert.Zero(t, level)
	level, _ = atxHeading("plain")
	assert.Zero(t, level)
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return []float32{0, 1}, f.err
}

func TestTextProcessor_EnrichWithEmbedder(t *testing.T) {
	emb := &fakeEmbedder{}
	p := NewTextProcessor(nil)
	p.Embedder = emb
	drafts := []Draft{{Index: 0, Content: "feedback loops"}, {Index: 1, Content: "market prices"}}

	chunks, err := p.Enrich(context.Background(), Input{DocumentID: "doc"}, drafts)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, emb.calls, "one batched call")
	assert.Equal(t, core.Vector{1, 1}, chunks[1].Embedding)
	assert.NotEmpty(t, chunks[0].ConceptTags)
}

func TestTextProcessor_EmbedderFailureIsTransient(t *testing.T) {
	p := NewTextProcessor(nil)
	p.Embedder = &fakeEmbedder{err: errors.New("connection refused")}

	_, err := p.Enrich(context.Background(), Input{DocumentID: "doc"}, []Draft{{Content: "feedback"}})
	var ce *core.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.KindTransient, ce.Kind)
}

// Package ingest defines the ingest-document pipeline: the stage list, its
// progress bands and the collaborator interface that supplies the
// format-specific work of each stage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jdziat/docpipe/pkg/connect"
	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/pipeline"
	"github.com/jdziat/docpipe/pkg/schema"
)

// JobType is the ingest job type.
const JobType = "ingest-document"

// Stage names in run order.
const (
	StageDownload         = "download"
	StageExtract          = "extract"
	StageNormalize        = "normalize"
	StageStructuralMatch  = "structuralMatch"
	StageReviewCheckpoint = "reviewCheckpoint"
	StageChunk            = "chunk"
	StageMetadataTransfer = "metadataTransfer"
	StageEnrich           = "enrich"
	StagePersist          = "persist"
	StageConnect          = connect.StageName
)

// Input is the ingest-document job input.
type Input struct {
	DocumentID string `json:"documentId"`

	// Source locates the document: an http(s) URL, an s3://bucket/key URI or
	// a local path. Content, when set, is used instead.
	Source  string `json:"source,omitempty"`
	Content string `json:"content,omitempty"`

	Title  string `json:"title,omitempty"`
	Domain string `json:"domain,omitempty"`

	// ReviewBeforeChunking pauses the job after structural matching so a
	// person can check the detected sections.
	ReviewBeforeChunking bool `json:"reviewBeforeChunking,omitempty"`

	// Discard replaces the document's unvalidated connections.
	Discard bool `json:"discard,omitempty"`
}

// Raw is what download produced.
type Raw struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
	Size        int    `json:"size"`
}

// Document is extracted text with its title.
type Document struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// Section is one heading-delimited span of the normalized text.
type Section struct {
	Heading string `json:"heading,omitempty"`
	Level   int    `json:"level"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// Structure is the section layout of a document.
type Structure struct {
	Sections []Section `json:"sections"`
}

// Draft is a chunk before enrichment.
type Draft struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
	Offset  int    `json:"offset"`
	Heading string `json:"heading,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Persisted is the output of the persist stage.
type Persisted struct {
	DocumentID string   `json:"documentId"`
	ChunkIDs   []string `json:"chunkIds"`
}

// Review is the output of the review checkpoint.
type Review struct {
	Sections int  `json:"sections"`
	Required bool `json:"required"`
}

// Processor supplies the per-stage document work. The pipeline only
// sequences, checkpoints and tracks progress around it.
type Processor interface {
	Download(ctx context.Context, in Input) (Raw, error)
	Extract(ctx context.Context, in Input, raw Raw) (Document, error)
	Normalize(ctx context.Context, doc Document) (Document, error)
	MatchStructure(ctx context.Context, doc Document) (Structure, error)
	Chunk(ctx context.Context, doc Document, s Structure) ([]Draft, error)
	TransferMetadata(ctx context.Context, doc Document, s Structure, drafts []Draft) ([]Draft, error)
	Enrich(ctx context.Context, in Input, drafts []Draft) ([]core.Chunk, error)
}

// ChunkWriter persists enriched chunks.
type ChunkWriter interface {
	SaveChunks(ctx context.Context, chunks []core.Chunk) error
}

// InputSchema validates ingest-document input.
var InputSchema = schema.MustCompile(JobType+"-input", `{
  "type": "object",
  "required": ["documentId"],
  "properties": {
    "documentId": {"type": "string", "minLength": 1, "maxLength": 64},
    "source": {"type": "string"},
    "content": {"type": "string"},
    "title": {"type": "string"},
    "domain": {"type": "string"},
    "reviewBeforeChunking": {"type": "boolean"},
    "discard": {"type": "boolean"}
  },
  "anyOf": [
    {"required": ["source"]},
    {"required": ["content"]}
  ]
}`)

// OutputSchema validates the completed job output.
var OutputSchema = schema.MustCompile(JobType+"-output", `{
  "type": "object",
  "required": ["type", "stages", "warnings", "partial"],
  "properties": {
    "type": {"const": "ingest-document"},
    "stages": {
      "type": "object",
      "required": ["download", "extract", "normalize", "structuralMatch", "reviewCheckpoint", "chunk", "metadataTransfer", "enrich", "persist"],
      "properties": {
        "persist": {
          "type": "object",
          "required": ["documentId", "chunkIds"]
        }
      }
    },
    "warnings": {"type": "array"},
    "partial": {"type": "boolean"}
  }
}`)

// StageNames lists the ingest stages in run order. The connect stage is
// present only when the pipeline has an orchestrator.
func StageNames() []string {
	return []string{
		StageDownload, StageExtract, StageNormalize, StageStructuralMatch, StageReviewCheckpoint,
		StageChunk, StageMetadataTransfer, StageEnrich, StagePersist, StageConnect,
	}
}

// Options tune the ingest pipeline.
type Options struct {
	// Timeouts overrides per-stage timeouts by stage name.
	Timeouts map[string]time.Duration
}

// Pipeline builds the ingest-document pipeline. A nil orchestrator leaves
// out the connect stage.
func Pipeline(proc Processor, chunks ChunkWriter, orch *connect.Orchestrator, opts Options) *pipeline.Pipeline {
	s := &stages{proc: proc, chunks: chunks}
	list := []pipeline.Stage{
		{Name: StageDownload, Band: pipeline.Band{Start: 0, End: 10}, Timeout: 2 * time.Minute, Run: s.download},
		{Name: StageExtract, Band: pipeline.Band{Start: 10, End: 30}, Run: s.extract},
		{Name: StageNormalize, Band: pipeline.Band{Start: 30, End: 40}, Run: s.normalize},
		{Name: StageStructuralMatch, Band: pipeline.Band{Start: 40, End: 50}, Run: s.structuralMatch},
		{Name: StageReviewCheckpoint, Band: pipeline.Band{Start: 50, End: 52}, Run: s.reviewCheckpoint},
		{Name: StageChunk, Band: pipeline.Band{Start: 52, End: 65}, Run: s.chunk},
		{Name: StageMetadataTransfer, Band: pipeline.Band{Start: 65, End: 72}, Run: s.metadataTransfer},
		{Name: StageEnrich, Band: pipeline.Band{Start: 72, End: 85}, Run: s.enrich},
		{Name: StagePersist, Band: pipeline.Band{Start: 85, End: 90}, Run: s.persist},
	}
	if orch != nil {
		list = append(list, connect.Stage(orch, pipeline.Band{Start: 90, End: 100}, selectPersisted))
	}
	for i := range list {
		if d, ok := opts.Timeouts[list[i].Name]; ok && d > 0 {
			list[i].Timeout = d
		}
	}
	return &pipeline.Pipeline{
		Type:         JobType,
		Stages:       list,
		InputSchema:  InputSchema,
		OutputSchema: OutputSchema,
	}
}

type stages struct {
	proc   Processor
	chunks ChunkWriter
}

func input(sc *pipeline.StageContext) (Input, error) {
	var in Input
	if err := sc.DecodeInput(&in); err != nil {
		return Input{}, err
	}
	if in.DocumentID == "" {
		return Input{}, core.InvalidInput(errors.New("documentId is required"))
	}
	return in, nil
}

func (s *stages) download(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	in, err := input(sc)
	if err != nil {
		return nil, err
	}
	return s.proc.Download(ctx, in)
}

func (s *stages) extract(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	in, err := input(sc)
	if err != nil {
		return nil, err
	}
	var raw Raw
	if err := sc.Decode(StageDownload, &raw); err != nil {
		return nil, err
	}
	return s.proc.Extract(ctx, in, raw)
}

func (s *stages) normalize(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	var doc Document
	if err := sc.Decode(StageExtract, &doc); err != nil {
		return nil, err
	}
	return s.proc.Normalize(ctx, doc)
}

func (s *stages) structuralMatch(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	var doc Document
	if err := sc.Decode(StageNormalize, &doc); err != nil {
		return nil, err
	}
	return s.proc.MatchStructure(ctx, doc)
}

func (s *stages) reviewCheckpoint(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	in, err := input(sc)
	if err != nil {
		return nil, err
	}
	var st Structure
	if err := sc.Decode(StageStructuralMatch, &st); err != nil {
		return nil, err
	}
	out := Review{Sections: len(st.Sections), Required: in.ReviewBeforeChunking}
	if in.ReviewBeforeChunking {
		return out, pipeline.PauseAfter(fmt.Sprintf("review %d sections before chunking", len(st.Sections)))
	}
	return out, nil
}

func (s *stages) chunk(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	var doc Document
	if err := sc.Decode(StageNormalize, &doc); err != nil {
		return nil, err
	}
	var st Structure
	if err := sc.Decode(StageStructuralMatch, &st); err != nil {
		return nil, err
	}
	drafts, err := s.proc.Chunk(ctx, doc, st)
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, core.InvalidInput(errors.New("document produced no chunks"))
	}
	return drafts, nil
}

func (s *stages) metadataTransfer(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	var doc Document
	if err := sc.Decode(StageNormalize, &doc); err != nil {
		return nil, err
	}
	var st Structure
	if err := sc.Decode(StageStructuralMatch, &st); err != nil {
		return nil, err
	}
	var drafts []Draft
	if err := sc.Decode(StageChunk, &drafts); err != nil {
		return nil, err
	}
	return s.proc.TransferMetadata(ctx, doc, st, drafts)
}

func (s *stages) enrich(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	in, err := input(sc)
	if err != nil {
		return nil, err
	}
	var drafts []Draft
	if err := sc.Decode(StageMetadataTransfer, &drafts); err != nil {
		return nil, err
	}
	return s.proc.Enrich(ctx, in, drafts)
}

func (s *stages) persist(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	in, err := input(sc)
	if err != nil {
		return nil, err
	}
	var chunks []core.Chunk
	if err := sc.Decode(StageEnrich, &chunks); err != nil {
		return nil, err
	}
	ids := make([]string, len(chunks))
	for i := range chunks {
		chunks[i].DocumentID = in.DocumentID
		ids[i] = chunks[i].ID
	}
	if err := s.chunks.SaveChunks(ctx, chunks); err != nil {
		return nil, core.Transient(fmt.Errorf("save chunks: %w", err))
	}
	sc.Logger.Info("persisted chunks", "document_id", in.DocumentID, "count", len(chunks))
	return Persisted{DocumentID: in.DocumentID, ChunkIDs: ids}, nil
}

// selectPersisted points the connect stage at the chunks persist wrote.
func selectPersisted(sc *pipeline.StageContext) (connect.Selection, connect.Options, error) {
	in, err := input(sc)
	if err != nil {
		return connect.Selection{}, connect.Options{}, err
	}
	var p Persisted
	if err := sc.Decode(StagePersist, &p); err != nil {
		return connect.Selection{}, connect.Options{}, err
	}
	return connect.Selection{DocumentID: p.DocumentID, ChunkIDs: p.ChunkIDs}, connect.Options{Discard: in.Discard}, nil
}

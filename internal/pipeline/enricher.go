package pipeline

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sds-labs/sdsx/internal/index"
	"github.com/sds-labs/sdsx/internal/model"
	"github.com/sds-labs/sdsx/internal/store"
	"github.com/sds-labs/sdsx/internal/validate"
	"github.com/sds-labs/sdsx/pkg/llm"
)

// EnrichConfig tunes the enrichment and refinement passes.
type EnrichConfig struct {
	// LowThreshold is the floor below which a field is not worth refining.
	LowThreshold float64 `yaml:"low_threshold" mapstructure:"low_threshold"`
	// MidThreshold is the ceiling above which a field needs no refinement.
	MidThreshold float64 `yaml:"mid_threshold" mapstructure:"mid_threshold"`
	// RefineRounds bounds how many refinement passes run per document.
	RefineRounds int `yaml:"refine_rounds" mapstructure:"refine_rounds"`
	// TopK chunks feed each refinement prompt.
	TopK int `yaml:"top_k" mapstructure:"top_k"`
	// MaxContextChars caps the concatenated refinement context.
	MaxContextChars int `yaml:"max_context_chars" mapstructure:"max_context_chars"`
	// Concurrency bounds parallel documents in EnrichAll.
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// DefaultEnrichConfig returns the production enrichment thresholds.
func DefaultEnrichConfig() EnrichConfig {
	return EnrichConfig{
		LowThreshold:    0.6,
		MidThreshold:    0.75,
		RefineRounds:    2,
		TopK:            5,
		MaxContextChars: 4000,
		Concurrency:     4,
	}
}

// OnlineEnricher runs post-processing enrichment on stored documents:
// UN-table fill plus online completion through the processor, then bounded
// refinement rounds that re-ask the model with index-narrowed context.
type OnlineEnricher struct {
	store     store.Store
	processor *DocumentProcessor
	completer Completer
	fields    *model.FieldSet
	cfg       EnrichConfig
	log       *zap.Logger
}

// NewEnricher wires an enricher around an existing processor. completer may
// be nil, which disables refinement but keeps the completion pass.
func NewEnricher(st store.Store, processor *DocumentProcessor, completer Completer, fields *model.FieldSet, cfg EnrichConfig) *OnlineEnricher {
	def := DefaultEnrichConfig()
	if cfg.LowThreshold <= 0 {
		cfg.LowThreshold = def.LowThreshold
	}
	if cfg.MidThreshold <= 0 {
		cfg.MidThreshold = def.MidThreshold
	}
	if cfg.RefineRounds <= 0 {
		cfg.RefineRounds = def.RefineRounds
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = def.MaxContextChars
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if fields == nil {
		fields = model.DefaultFieldSet()
	}
	return &OnlineEnricher{
		store:     st,
		processor: processor,
		completer: completer,
		fields:    fields,
		cfg:       cfg,
		log:       zap.L().Named("enricher"),
	}
}

// EnrichDocument runs the full enrichment sequence for one document.
func (e *OnlineEnricher) EnrichDocument(ctx context.Context, docID string) error {
	if err := e.processor.ReprocessOnline(ctx, docID); err != nil {
		return err
	}
	return e.refine(ctx, docID)
}

// EnrichAll enriches every successfully processed document, a bounded
// number at a time. One document's failure is logged and counted; the
// rest of the batch keeps going.
func (e *OnlineEnricher) EnrichAll(ctx context.Context) (int, error) {
	docs, err := e.store.ListDocuments(ctx, store.DocumentFilter{Status: model.DocumentStatusSuccess})
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: list documents for enrichment")
	}

	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, doc := range docs {
		docID := doc.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := e.EnrichDocument(ctx, docID); err != nil {
				failed.Add(1)
				e.log.Error("document enrichment failed",
					zap.String("document_id", docID), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if n := failed.Load(); n > 0 {
		return len(docs), eris.Errorf("pipeline: %d of %d documents failed enrichment", n, len(docs))
	}
	return len(docs), nil
}

// refine reruns the model on mid-band fields with index-narrowed context,
// keeping only strict confidence improvements. Rounds stop as soon as no
// field sits in the band.
func (e *OnlineEnricher) refine(ctx context.Context, docID string) error {
	if e.completer == nil {
		return nil
	}

	idx, err := e.buildIndex(ctx, docID)
	if err != nil {
		// Refinement is best effort; the source file may be gone.
		e.log.Warn("skipping refinement", zap.String("document_id", docID), zap.Error(err))
		return nil
	}
	if idx.Len() == 0 {
		return nil
	}

	for round := 0; round < e.cfg.RefineRounds; round++ {
		details, err := e.store.LatestExtractions(ctx, docID)
		if err != nil {
			return eris.Wrap(err, "pipeline: load extractions for refinement")
		}

		var refinable []string
		for _, name := range e.fields.Names() {
			conf := details[name].Confidence
			if conf >= e.cfg.LowThreshold && conf < e.cfg.MidThreshold {
				refinable = append(refinable, name)
			}
		}
		if len(refinable) == 0 {
			return nil
		}

		improved := 0
		for _, name := range refinable {
			if err := ctx.Err(); err != nil {
				return eris.Wrap(err, "pipeline: refinement cancelled")
			}
			if e.refineField(ctx, docID, idx, name, details[name]) {
				improved++
			}
		}
		e.log.Debug("refinement round done",
			zap.String("document_id", docID),
			zap.Int("round", round+1),
			zap.Int("improved", improved))
	}
	return nil
}

// refineField re-asks the model for one field and reports whether the
// answer beat the stored confidence.
func (e *OnlineEnricher) refineField(ctx context.Context, docID string, idx *index.Index, name string, current model.ExtractionRecord) bool {
	spec := e.fields.ByName(name)
	if spec == nil {
		return false
	}

	query := strings.TrimSpace(spec.Label + " " + hintValue(current.Candidate()))
	scored := idx.TopK(query, e.cfg.TopK)
	combined := joinChunks(scored, e.cfg.MaxContextChars)
	if combined == "" {
		return false
	}

	raw, err := e.completer.Complete(ctx, spec.Prompt("REFINE", combined))
	if err != nil {
		e.log.Warn("refinement call failed", zap.String("field", name), zap.Error(err))
		return false
	}
	ans := llm.ParseFieldAnswer(raw)
	if ans.Confidence <= current.Confidence {
		return false
	}

	cand := model.Candidate{Value: ans.Value, Confidence: ans.Confidence, Context: ans.Context}
	status, message := validate.Field(name, cand)
	rec := &model.ExtractionRecord{
		DocumentID:        docID,
		FieldName:         name,
		Value:             ans.Value,
		Confidence:        ans.Confidence,
		Context:           ans.Context,
		ValidationStatus:  status,
		ValidationMessage: message,
	}
	if err := e.store.InsertExtraction(ctx, rec); err != nil {
		e.log.Warn("failed to persist refinement", zap.String("field", name), zap.Error(err))
		return false
	}
	return true
}

// buildIndex re-reads the stored source file and indexes its chunks.
func (e *OnlineEnricher) buildIndex(ctx context.Context, docID string) (*index.Index, error) {
	rec, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	doc, err := ReadDocument(rec.Path, e.processor.cfg.MaxFileBytes)
	if err != nil {
		return nil, err
	}
	chunks := e.processor.chunker.MakeChunks(doc.Text, doc.Sections)
	return index.Build(chunks), nil
}

func joinChunks(scored []index.Scored, maxChars int) string {
	var parts []string
	total := 0
	for _, s := range scored {
		text := strings.TrimSpace(s.Chunk.Text)
		if text == "" {
			continue
		}
		if total >= maxChars {
			break
		}
		parts = append(parts, text)
		total += len(text)
	}
	combined := strings.Join(parts, "\n\n")
	if len(combined) > maxChars {
		combined = combined[:maxChars]
	}
	return combined
}

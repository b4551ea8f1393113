package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sds-labs/sdsx/internal/heuristics"
	"github.com/sds-labs/sdsx/internal/index"
	"github.com/sds-labs/sdsx/internal/model"
	"github.com/sds-labs/sdsx/internal/retrieval"
	"github.com/sds-labs/sdsx/internal/store"
	"github.com/sds-labs/sdsx/internal/validate"
	"github.com/sds-labs/sdsx/pkg/llm"
)

// Mode selects whether processing ends with the online completion step.
type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

// Completer is the model surface the processor needs. *llm.Client
// satisfies it.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// OnlineRetriever fills missing fields from the internet.
// *retrieval.Retriever satisfies it.
type OnlineRetriever interface {
	RetrieveMissing(ctx context.Context, documentID string, missing []string, known map[string]string) map[string]retrieval.Result
}

// Config carries the processor thresholds.
type Config struct {
	// MaxFileBytes rejects larger inputs before registration.
	MaxFileBytes int64 `yaml:"max_file_bytes" mapstructure:"max_file_bytes"`
	// SkipThreshold disables model calls for the whole document once any
	// heuristic candidate reaches it.
	SkipThreshold float64 `yaml:"skip_threshold" mapstructure:"skip_threshold"`
	// ChunkMaxChars sizes fallback windows for unsectioned documents.
	ChunkMaxChars int `yaml:"chunk_max_chars" mapstructure:"chunk_max_chars"`
	// TopK narrows model context to the most relevant chunks. Zero sends
	// every chunk.
	TopK int `yaml:"top_k" mapstructure:"top_k"`
	// ModelEarlyExit stops the per-field chunk loop at this confidence.
	ModelEarlyExit float64 `yaml:"model_early_exit" mapstructure:"model_early_exit"`
	// AcceptThreshold marks a stored value good enough to keep; below it
	// the field counts as missing for enrichment.
	AcceptThreshold float64 `yaml:"accept_threshold" mapstructure:"accept_threshold"`
	// OnlineStoreThreshold gates persisting online completion results.
	OnlineStoreThreshold float64 `yaml:"online_store_threshold" mapstructure:"online_store_threshold"`
}

// DefaultConfig returns the processing thresholds used in production.
func DefaultConfig() Config {
	return Config{
		MaxFileBytes:         10 << 20,
		SkipThreshold:        0.82,
		ChunkMaxChars:        4000,
		TopK:                 5,
		ModelEarlyExit:       0.95,
		AcceptThreshold:      0.7,
		OnlineStoreThreshold: 0.5,
	}
}

// DocumentProcessor drives one document through heuristics, the model pass
// and UN-table enrichment, persisting every determination along the way.
type DocumentProcessor struct {
	store     store.Store
	completer Completer
	retriever OnlineRetriever
	fields    *model.FieldSet
	heur      *heuristics.Extractor
	unTable   *heuristics.UNTable
	chunker   heuristics.ChunkStrategy
	cfg       Config
	log       *zap.Logger
}

// NewProcessor wires a processor. completer and retriever may be nil;
// a nil completer skips the model pass, a nil retriever skips online
// completion.
func NewProcessor(st store.Store, completer Completer, retriever OnlineRetriever, fields *model.FieldSet, unTable *heuristics.UNTable, cfg Config) *DocumentProcessor {
	def := DefaultConfig()
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = def.MaxFileBytes
	}
	if cfg.SkipThreshold <= 0 {
		cfg.SkipThreshold = def.SkipThreshold
	}
	if cfg.ChunkMaxChars <= 0 {
		cfg.ChunkMaxChars = def.ChunkMaxChars
	}
	if cfg.ModelEarlyExit <= 0 {
		cfg.ModelEarlyExit = def.ModelEarlyExit
	}
	if cfg.AcceptThreshold <= 0 {
		cfg.AcceptThreshold = def.AcceptThreshold
	}
	if cfg.OnlineStoreThreshold <= 0 {
		cfg.OnlineStoreThreshold = def.OnlineStoreThreshold
	}
	if fields == nil {
		fields = model.DefaultFieldSet()
	}
	if unTable == nil {
		unTable = heuristics.DefaultUNTable()
	}
	return &DocumentProcessor{
		store:     st,
		completer: completer,
		retriever: retriever,
		fields:    fields,
		heur:      heuristics.NewExtractor(unTable),
		unTable:   unTable,
		chunker:   heuristics.NewChunkStrategy(cfg.ChunkMaxChars),
		cfg:       cfg,
		log:       zap.L().Named("pipeline"),
	}
}

// Process runs the full pipeline for one file and returns the document id.
// Identical bytes map to the existing document record; its extractions are
// cleared and rebuilt. In online mode the completion step runs after the
// status is finalized, even when extraction failed, and its errors are
// logged rather than returned.
func (p *DocumentProcessor) Process(ctx context.Context, path string, mode Mode) (string, error) {
	doc, err := ReadDocument(path, p.cfg.MaxFileBytes)
	if err != nil {
		return "", err
	}

	rec, err := p.register(ctx, doc)
	if err != nil {
		return "", err
	}
	docID := rec.ID
	p.log.Info("processing document",
		zap.String("document_id", docID),
		zap.String("filename", doc.Filename),
		zap.String("mode", string(mode)))

	if _, err := p.store.ClearExtractions(ctx, docID); err != nil {
		return docID, eris.Wrap(err, "pipeline: clear previous extractions")
	}

	start := time.Now()
	extractErr := p.extract(ctx, docID, doc)
	elapsed := time.Since(start).Seconds()

	if extractErr != nil {
		if err := p.store.UpdateDocumentStatus(ctx, docID, model.DocumentStatusFailed, elapsed, extractErr.Error()); err != nil {
			p.log.Warn("failed to mark document failed", zap.String("document_id", docID), zap.Error(err))
		}
	} else if err := p.store.UpdateDocumentStatus(ctx, docID, model.DocumentStatusSuccess, elapsed, ""); err != nil {
		p.log.Warn("failed to mark document success", zap.String("document_id", docID), zap.Error(err))
	}

	// Online completion runs regardless of the extraction outcome so a
	// partially processed document still gets its gaps filled.
	if mode == ModeOnline {
		if err := p.completeOnline(ctx, docID); err != nil {
			p.log.Error("online completion failed", zap.String("document_id", docID), zap.Error(err))
		}
	}

	return docID, extractErr
}

// register creates the document row, or reuses the existing one when the
// same bytes were seen before.
func (p *DocumentProcessor) register(ctx context.Context, doc *Document) (*model.DocumentRecord, error) {
	existing, err := p.store.GetDocumentByHash(ctx, doc.ContentHash)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: look up document by hash")
	}
	if existing != nil {
		return existing, nil
	}
	return p.store.CreateDocument(ctx, doc.Filename, doc.Path, doc.ContentHash, doc.SizeBytes, doc.FileType)
}

func (p *DocumentProcessor) extract(ctx context.Context, docID string, doc *Document) error {
	if strings.TrimSpace(doc.Text) == "" {
		return ErrEmptyDocument
	}

	chunks := p.chunker.MakeChunks(doc.Text, doc.Sections)
	if len(chunks) == 0 {
		return ErrEmptyDocument
	}
	idx := index.Build(chunks)

	hints := p.heur.Extract(doc.Text, doc.Sections)
	if err := p.runFieldExtractions(ctx, docID, chunks, idx, hints); err != nil {
		return err
	}
	return p.enrichWithUNTable(ctx, docID)
}

// runFieldExtractions keeps the best candidate per field between heuristics
// and the model pass, then validates and persists it. One confident
// heuristic anywhere in the document skips the model for every field.
func (p *DocumentProcessor) runFieldExtractions(ctx context.Context, docID string, chunks []model.Chunk, idx *index.Index, hints map[string]model.Candidate) error {
	skipAll := p.completer == nil
	for _, h := range hints {
		if h.Confidence >= p.cfg.SkipThreshold {
			skipAll = true
			break
		}
	}
	if skipAll {
		p.log.Debug("model pass skipped", zap.String("document_id", docID))
	}

	for _, spec := range p.fields.Specs() {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "pipeline: field extraction cancelled")
		}

		best, ok := hints[spec.Name]
		if !ok {
			best = model.EmptyCandidate()
		}

		if !skipAll && best.Confidence < p.cfg.SkipThreshold {
			best = p.modelPass(ctx, spec, chunks, idx, best)
		}

		status, message := validate.Field(spec.Name, best)
		rec := &model.ExtractionRecord{
			DocumentID:        docID,
			FieldName:         spec.Name,
			Value:             best.Value,
			Confidence:        best.Confidence,
			Context:           best.Context,
			ValidationStatus:  status,
			ValidationMessage: message,
			SourceURLs:        best.SourceURLs,
		}
		if err := p.store.InsertExtraction(ctx, rec); err != nil {
			return eris.Wrapf(err, "pipeline: persist field %s", spec.Name)
		}
	}
	return nil
}

// modelPass asks the model once per chunk, keeping the highest-confidence
// answer. Ties favor the later answer. A failed call degrades to the ERRO
// placeholder instead of aborting the document.
func (p *DocumentProcessor) modelPass(ctx context.Context, spec model.FieldSpec, chunks []model.Chunk, idx *index.Index, best model.Candidate) model.Candidate {
	prompts := chunks
	if p.cfg.TopK > 0 && idx != nil {
		query := strings.TrimSpace(spec.Label + " " + hintValue(best))
		if scored := idx.TopK(query, p.cfg.TopK); len(scored) > 0 {
			prompts = make([]model.Chunk, len(scored))
			for i, s := range scored {
				prompts[i] = s.Chunk
			}
		}
	}

	for _, chunk := range prompts {
		raw, err := p.completer.Complete(ctx, spec.Prompt(chunk.Label, chunk.Text))
		var cand model.Candidate
		if err != nil {
			p.log.Warn("model call failed",
				zap.String("field", spec.Name),
				zap.String("chunk", chunk.Label),
				zap.Error(err))
			cand = model.Candidate{Value: model.ValueError, Confidence: 0}
		} else {
			ans := llm.ParseFieldAnswer(raw)
			cand = model.Candidate{Value: ans.Value, Confidence: ans.Confidence, Context: ans.Context}
		}
		if cand.Confidence >= best.Confidence {
			best = cand
		}
		if best.Confidence >= p.cfg.ModelEarlyExit {
			break
		}
	}
	return best
}

// enrichWithUNTable fills hazard class and packing group from the static
// UN table when the stored value is weak or missing.
func (p *DocumentProcessor) enrichWithUNTable(ctx context.Context, docID string) error {
	details, err := p.store.LatestExtractions(ctx, docID)
	if err != nil {
		return eris.Wrap(err, "pipeline: load extractions for un enrichment")
	}
	entry, ok := p.unTable.Lookup(details[model.FieldUNNumber].Value)
	if !ok {
		return nil
	}

	fills := map[string]string{
		model.FieldHazardClass:  entry.HazardClass,
		model.FieldPackingGroup: entry.PackingGroup,
	}
	for field, value := range fills {
		if value == "" {
			continue
		}
		current := details[field]
		if current.Candidate().Found() && current.Confidence >= p.cfg.AcceptThreshold {
			continue
		}

		cand := model.Candidate{Value: value, Confidence: 0.95}
		status, message := validate.Field(field, cand)
		rec := &model.ExtractionRecord{
			DocumentID:        docID,
			FieldName:         field,
			Value:             value,
			Confidence:        0.95,
			Context:           "Tabela ONU (offline)",
			ValidationStatus:  status,
			ValidationMessage: message,
		}
		if err := p.store.InsertExtraction(ctx, rec); err != nil {
			return eris.Wrapf(err, "pipeline: persist un table fill %s", field)
		}
		p.log.Info("field filled from un table",
			zap.String("document_id", docID),
			zap.String("field", field),
			zap.String("value", value))
	}
	return nil
}

// completeOnline retrieves missing or weak fields from the internet and
// stores the convincing results.
func (p *DocumentProcessor) completeOnline(ctx context.Context, docID string) error {
	if p.retriever == nil {
		return nil
	}

	details, err := p.store.LatestExtractions(ctx, docID)
	if err != nil {
		return eris.Wrap(err, "pipeline: load extractions for online completion")
	}

	var missing []string
	known := make(map[string]string)
	for _, name := range p.fields.Names() {
		current := details[name]
		cand := current.Candidate()
		switch {
		case current.Confidence >= p.cfg.AcceptThreshold && cand.Found():
			known[name] = current.Value
		case current.Confidence < p.cfg.AcceptThreshold,
			current.ValidationStatus == model.ValidationInvalid,
			!cand.Found():
			missing = append(missing, name)
		}
	}
	// Incompatibilities only exist online; always worth a lookup.
	if !containsString(missing, model.FieldIncompatibilities) {
		missing = append(missing, model.FieldIncompatibilities)
	}

	p.log.Info("completing fields online",
		zap.String("document_id", docID),
		zap.Strings("missing", missing))

	results := p.retriever.RetrieveMissing(ctx, docID, missing, known)
	var recs []model.ExtractionRecord
	for field, res := range results {
		if res.Confidence <= p.cfg.OnlineStoreThreshold {
			continue
		}
		cand := model.Candidate{Value: res.Value, Confidence: res.Confidence}
		status, message := validate.Field(field, cand)
		var urls []string
		if res.Source != "" && res.Source != "search" {
			urls = []string{res.Source}
		}
		recs = append(recs, model.ExtractionRecord{
			DocumentID:        docID,
			FieldName:         field,
			Value:             res.Value,
			Confidence:        res.Confidence,
			Context:           "Online search: " + res.Source,
			ValidationStatus:  status,
			ValidationMessage: message,
			SourceURLs:        urls,
		})
		p.log.Info("field updated from online search",
			zap.String("document_id", docID),
			zap.String("field", field),
			zap.Float64("confidence", res.Confidence))
	}
	if len(recs) == 0 {
		return nil
	}
	if _, err := p.store.BulkInsertExtractions(ctx, recs); err != nil {
		return eris.Wrap(err, "pipeline: persist online results")
	}
	return nil
}

// ReprocessOnline reruns only the enrichment steps for an already
// registered document, without re-reading the file.
func (p *DocumentProcessor) ReprocessOnline(ctx context.Context, docID string) error {
	if _, err := p.store.GetDocument(ctx, docID); err != nil {
		return eris.Wrapf(ErrDocumentNotFound, "%s", docID)
	}
	if err := p.enrichWithUNTable(ctx, docID); err != nil {
		return err
	}
	return p.completeOnline(ctx, docID)
}

func hintValue(c model.Candidate) string {
	if !c.Found() {
		return ""
	}
	return c.Value
}

func containsString(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

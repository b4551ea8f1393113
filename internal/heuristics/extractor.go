// Package heuristics implements the zero-cost pattern stage of the
// extraction pipeline: regex rules over raw FDS text or named sections,
// producing confidence-scored candidates without any network calls.
package heuristics

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sds-labs/sdsx/internal/model"
)

// Confidence weights per match quality. A prefixed identifier beats a bare
// number, which beats a table-inferred value.
const (
	confUNPrefixed    = 0.95
	confUNBare        = 0.85
	confCAS           = 0.80
	confClass         = 0.78
	confClassFromUN   = 0.70
	confProductStrong = 0.88
	confProductWeak   = 0.75
	confMakerStrong   = 0.80
	confMakerWeak     = 0.72
	confPackingGroup  = 0.80
)

// Valid UN number range.
const (
	unMin = 4
	unMax = 3506
)

var (
	unPrefixedRe = regexp.MustCompile(`(?i)\b(?:UN|ONU)[\s#:;]{0,3}(\d{4})\b`)
	unBareRe     = regexp.MustCompile(`\b\d{4}\b`)
	casRe        = regexp.MustCompile(`\b\d{2,7}-\d{2}-\d\b`)
	classRe      = regexp.MustCompile(`(?i)\bclasse\s*(?:de\s*risco)?\s*[:\-]?\s*(\d(?:\.\d)?)`)
	productRe    = regexp.MustCompile(`(?i)(nome\s*(?:comercial|do\s+produto(?:\s+quimico)?)|identificacao\s+do\s+produto|identificador\s+do\s+produto|produto)\s*[:\-]\s*(.{3,120})`)
	makerRe      = regexp.MustCompile(`(?i)(fabricante|fabricado\s+por|fornecedor(?:/distribuidor)?|empresa|razao\s+social)\s*[:\-]\s*(.{3,120})`)
	packingRe    = regexp.MustCompile(`(?i)grupo\s*(?:de)?\s*embalagem\s*[:\-]?\s*(III|II|I|[123])\b`)

	productStrongRe = regexp.MustCompile(`(?i)nome\s+do\s+produto|nome\s*comercial`)
	makerStrongRe   = regexp.MustCompile(`(?i)fabricante|fabricado\s+por|fornecedor`)
	trailingParenRe = regexp.MustCompile(`\s*\([^)]*\)\s*$`)

	// Phone numbers are masked before UN matching so emergency contact
	// lines never surface a bogus 4-digit hit.
	phoneRe = regexp.MustCompile(`\+?\d{0,3}[\s.]?\(\d{2,3}\)[\s.]?\d{4,5}[-.\s]?\d{4}|\b\d{4,5}[-.]\d{4}\b|\b0800[\s.-]?\d{3}[\s.-]?\d{4}\b`)
)

// Extractor is the rule-based extraction stage. It is pure: identical
// input always yields identical candidates and no shared state is touched.
type Extractor struct {
	unTable *UNTable
}

// NewExtractor creates an Extractor. The UN table is optional; when
// present, hazard class can be inferred from a detected UN number at
// reduced confidence.
func NewExtractor(table *UNTable) *Extractor {
	return &Extractor{unTable: table}
}

// Extract scans the document and returns one candidate per field found.
// When section boundaries are known each section is scanned in order;
// otherwise the whole text is a single block.
func (e *Extractor) Extract(text string, sections map[int]string) map[string]model.Candidate {
	out := make(map[string]model.Candidate)

	blocks := prepareBlocks(text, sections)
	headBlocks := headerBlocks(text, sections)
	transportBlocks := sectionOrAll(blocks, sections, 14)

	if c, ok := extractUN(blocks); ok {
		out[model.FieldUNNumber] = c
	}
	if c, ok := firstMatch(blocks, casRe, 0, confCAS); ok {
		out[model.FieldCASNumber] = c
	}
	if c, ok := firstMatch(blocks, classRe, 1, confClass); ok {
		out[model.FieldHazardClass] = c
	}
	if c, ok := extractLabeled(headBlocks, productRe, productStrongRe, confProductStrong, confProductWeak); ok {
		out[model.FieldProductName] = c
	}
	if c, ok := extractLabeled(headBlocks, makerRe, makerStrongRe, confMakerStrong, confMakerWeak); ok {
		out[model.FieldManufacturer] = c
	}
	if c, ok := extractPackingGroup(transportBlocks); ok {
		out[model.FieldPackingGroup] = c
	}

	// No textual hazard class but a UN number: fall back to the table at
	// lower confidence.
	if _, have := out[model.FieldHazardClass]; !have {
		if un, ok := out[model.FieldUNNumber]; ok {
			if entry, found := e.unTable.Lookup(un.Value); found && entry.HazardClass != "" {
				out[model.FieldHazardClass] = model.Candidate{
					Value:      entry.HazardClass,
					Confidence: confClassFromUN,
					Context:    "Tabela ONU: " + entry.Description,
				}
			}
		}
	}

	if len(out) > 0 {
		zap.L().Debug("heuristics: candidates found", zap.Int("fields", len(out)))
	}
	return out
}

// prepareBlocks folds accents and masks phone numbers, returning the
// ordered search space.
func prepareBlocks(text string, sections map[int]string) []string {
	if len(sections) > 0 {
		nums := make([]int, 0, len(sections))
		for n := range sections {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		blocks := make([]string, 0, len(nums))
		for _, n := range nums {
			blocks = append(blocks, maskPhones(foldAccents(sections[n])))
		}
		return blocks
	}
	return []string{maskPhones(foldAccents(text))}
}

// headerBlocks is the search space for identity fields: section 1 when
// known, otherwise the first 2000 characters.
func headerBlocks(text string, sections map[int]string) []string {
	if s, ok := sections[1]; ok {
		return []string{maskPhones(foldAccents(s))}
	}
	head := text
	if len(head) > 2000 {
		head = head[:2000]
	}
	return []string{maskPhones(foldAccents(head))}
}

// sectionOrAll prefers one specific section when boundaries are known.
func sectionOrAll(all []string, sections map[int]string, num int) []string {
	if s, ok := sections[num]; ok {
		return []string{maskPhones(foldAccents(s))}
	}
	return all
}

func maskPhones(s string) string {
	return phoneRe.ReplaceAllStringFunc(s, func(m string) string {
		return strings.Repeat("#", len(m))
	})
}

func extractUN(blocks []string) (model.Candidate, bool) {
	for _, block := range blocks {
		// Prefixed identifiers first: UN1234, ONU: 1234.
		for _, loc := range unPrefixedRe.FindAllStringSubmatchIndex(block, -1) {
			num := block[loc[2]:loc[3]]
			if n, err := strconv.Atoi(num); err == nil && n >= unMin && n <= unMax {
				return model.Candidate{
					Value:      num,
					Confidence: confUNPrefixed,
					Context:    snippet(block, loc[0], loc[1], 60),
				}, true
			}
		}
	}
	for _, block := range blocks {
		for _, loc := range unBareRe.FindAllStringIndex(block, -1) {
			num := block[loc[0]:loc[1]]
			n, err := strconv.Atoi(num)
			if err != nil || n < unMin || n > unMax {
				continue
			}
			if bareUNFalsePositive(block, loc[0], loc[1], n) {
				continue
			}
			return model.Candidate{
				Value:      num,
				Confidence: confUNBare,
				Context:    snippet(block, loc[0], loc[1], 60),
			}, true
		}
	}
	return model.Candidate{}, false
}

// bareUNFalsePositive rejects bare 4-digit hits whose surrounding tokens
// mark them as calendar years, standard/version references, or CAS number
// fragments.
func bareUNFalsePositive(block string, start, end, n int) bool {
	before := block[maxInt(0, start-18):start]
	after := block[end:minInt(len(block), end+8)]
	lb := strings.ToLower(before)

	// CAS fragment or decimal adjacency.
	trimBefore := strings.TrimRight(lb, " ")
	if strings.HasSuffix(trimBefore, "-") || strings.HasSuffix(trimBefore, ".") || strings.HasSuffix(trimBefore, ",") {
		return true
	}
	trimAfter := strings.TrimLeft(after, " ")
	if strings.HasPrefix(trimAfter, "-") || strings.HasPrefix(trimAfter, ".") {
		return true
	}

	// Standard and revision references: NBR 1234, ISO 1234, versao 1234.
	for _, tok := range []string{"nbr", "iso", "abnt", "norma", "rev", "versao", "edicao", "decreto", "portaria", "ghs"} {
		if strings.Contains(lb, tok) {
			return true
		}
	}

	// Calendar years only reject inside date-looking context so valid UN
	// numbers in the same numeric range survive.
	if n >= 1900 && n <= 2100 {
		if strings.HasSuffix(trimBefore, "/") || strings.HasPrefix(trimAfter, "/") {
			return true
		}
		for _, tok := range []string{"data", "emissao", "validade", "revisao", "atualizacao",
			"janeiro", "fevereiro", "marco", "abril", "maio", "junho",
			"julho", "agosto", "setembro", "outubro", "novembro", "dezembro"} {
			if strings.Contains(lb, tok) {
				return true
			}
		}
	}
	return false
}

// firstMatch returns the first structurally valid match of re across the
// blocks. group selects the submatch used as the value (0 = whole match).
func firstMatch(blocks []string, re *regexp.Regexp, group int, conf float64) (model.Candidate, bool) {
	for _, block := range blocks {
		loc := re.FindStringSubmatchIndex(block)
		if loc == nil {
			continue
		}
		vs, ve := loc[2*group], loc[2*group+1]
		if vs < 0 {
			continue
		}
		return model.Candidate{
			Value:      block[vs:ve],
			Confidence: conf,
			Context:    snippet(block, loc[0], loc[1], 60),
		}, true
	}
	return model.Candidate{}, false
}

func extractLabeled(blocks []string, re, strongRe *regexp.Regexp, strong, weak float64) (model.Candidate, bool) {
	for _, block := range blocks {
		loc := re.FindStringSubmatchIndex(block)
		if loc == nil {
			continue
		}
		label := block[loc[2]:loc[3]]
		value := strings.TrimSpace(block[loc[4]:loc[5]])
		value = trailingParenRe.ReplaceAllString(value, "")
		if i := strings.IndexByte(value, '\n'); i >= 0 {
			value = value[:i]
		}
		value = strings.TrimSpace(value)
		if len(value) < 3 {
			continue
		}
		conf := weak
		if strongRe.MatchString(label) {
			conf = strong
		}
		return model.Candidate{
			Value:      value,
			Confidence: conf,
			Context:    snippet(block, loc[0], loc[1], 40),
		}, true
	}
	return model.Candidate{}, false
}

func extractPackingGroup(blocks []string) (model.Candidate, bool) {
	for _, block := range blocks {
		loc := packingRe.FindStringSubmatchIndex(block)
		if loc == nil {
			continue
		}
		value := NormalizePackingGroup(block[loc[2]:loc[3]])
		return model.Candidate{
			Value:      value,
			Confidence: confPackingGroup,
			Context:    snippet(block, loc[0], loc[1], 50),
		}, true
	}
	return model.Candidate{}, false
}

// NormalizePackingGroup maps arabic digits onto Roman numerals.
func NormalizePackingGroup(v string) string {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "1", "I":
		return "I"
	case "2", "II":
		return "II"
	case "3", "III":
		return "III"
	default:
		return strings.ToUpper(strings.TrimSpace(v))
	}
}

func snippet(block string, start, end, window int) string {
	s := maxInt(0, start-window)
	e := minInt(len(block), end+window)
	return strings.TrimSpace(block[s:e])
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

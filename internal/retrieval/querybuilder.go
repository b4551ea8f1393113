// Package retrieval runs per-field web retrieval for missing SDS fields,
// persisting intermediate results ahead of model refinement.
package retrieval

import (
	"fmt"
	"strings"

	"github.com/sds-labs/sdsx/internal/model"
)

// maxQueryVariants caps how many query strings one field produces.
const maxQueryVariants = 6

// fieldExpansions maps each field to synonym and multilingual variants used
// to widen query coverage.
var fieldExpansions = map[string][]string{
	model.FieldCASNumber:         {"CAS number", "chemical abstract service", "CAS registry"},
	model.FieldUNNumber:          {"UN number", "UN ID", "numero ONU"},
	model.FieldHazardClass:       {"UN hazard class", "classe ONU", "hazard classification"},
	model.FieldPackingGroup:      {"packing group", "grupo de embalagem", "UN packing group"},
	model.FieldIncompatibilities: {"incompatibilities", "storage incompatibilities", "incompatible materials"},
	model.FieldManufacturer:      {"manufacturer", "fabricante", "supplier"},
	model.FieldProductName:       {"product name", "nome do produto", "trade name"},
}

// BuildQueries generates deduplicated query variants for a field from
// whichever product identifiers are known.
func BuildQueries(fieldName, product, cas, un string) []string {
	var baseTerms []string
	if product != "" {
		baseTerms = append(baseTerms, product)
	}
	if cas != "" {
		baseTerms = append(baseTerms, "CAS "+cas)
	}
	if un != "" {
		baseTerms = append(baseTerms, "UN "+un)
	}
	identifiers := strings.TrimSpace(strings.Join(baseTerms, " "))

	extras, ok := fieldExpansions[fieldName]
	if !ok {
		extras = []string{fieldName}
	}

	var queries []string
	for _, extra := range extras {
		if identifiers != "" {
			queries = append(queries, fmt.Sprintf("%s %s safety data sheet", identifiers, extra))
			queries = append(queries, fmt.Sprintf("%s %s SDS", identifiers, extra))
		} else {
			queries = append(queries, extra+" safety data sheet")
		}
	}

	seen := make(map[string]struct{}, len(queries))
	deduped := queries[:0]
	for _, q := range queries {
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		deduped = append(deduped, q)
	}
	if len(deduped) > maxQueryVariants {
		deduped = deduped[:maxQueryVariants]
	}
	return deduped
}

// keywords returns the lowercase terms whose presence in a snippet earns the
// relevance boost.
func keywords(fieldName string) []string {
	extras, ok := fieldExpansions[fieldName]
	if !ok {
		return []string{strings.ToLower(fieldName)}
	}
	out := make([]string, 0, len(extras)+1)
	out = append(out, strings.ToLower(strings.ReplaceAll(fieldName, "_", " ")))
	for _, e := range extras {
		out = append(out, strings.ToLower(e))
	}
	return out
}

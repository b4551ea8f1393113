package heuristics

import (
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// UNEntry is the transport classification mapped to a UN number.
type UNEntry struct {
	HazardClass  string `yaml:"classificacao_onu"`
	PackingGroup string `yaml:"grupo_embalagem"`
	Description  string `yaml:"descricao"`
}

// UNTable maps UN numbers to their default hazard class and packing group.
type UNTable struct {
	entries map[int]UNEntry
}

// Lookup resolves a UN number given as digits, optionally "UN"-prefixed.
func (t *UNTable) Lookup(number string) (UNEntry, bool) {
	if t == nil {
		return UNEntry{}, false
	}
	s := strings.TrimSpace(strings.ToUpper(number))
	s = strings.TrimSpace(strings.TrimPrefix(s, "UN"))
	n, err := strconv.Atoi(s)
	if err != nil {
		return UNEntry{}, false
	}
	e, ok := t.entries[n]
	return e, ok
}

// Len returns the number of table entries.
func (t *UNTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// LoadUNTable reads a YAML table keyed by UN number, merged over the
// built-in entries so a partial file only overrides what it names.
func LoadUNTable(path string) (*UNTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "heuristics: read un table %s", path)
	}
	var raw map[int]UNEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "heuristics: parse un table")
	}
	t := DefaultUNTable()
	for n, e := range raw {
		t.entries[n] = e
	}
	return t, nil
}

// DefaultUNTable returns the built-in subset covering the UN numbers most
// common on Brazilian FDS sheets.
func DefaultUNTable() *UNTable {
	return &UNTable{entries: map[int]UNEntry{
		1017: {HazardClass: "2.3", Description: "Cloro"},
		1072: {HazardClass: "2.2", Description: "Oxigenio comprimido"},
		1090: {HazardClass: "3", PackingGroup: "II", Description: "Acetona"},
		1133: {HazardClass: "3", PackingGroup: "II", Description: "Adesivos"},
		1170: {HazardClass: "3", PackingGroup: "II", Description: "Etanol"},
		1203: {HazardClass: "3", PackingGroup: "II", Description: "Gasolina"},
		1219: {HazardClass: "3", PackingGroup: "II", Description: "Isopropanol"},
		1230: {HazardClass: "3", PackingGroup: "II", Description: "Metanol"},
		1263: {HazardClass: "3", PackingGroup: "III", Description: "Tintas"},
		1267: {HazardClass: "3", PackingGroup: "I", Description: "Petroleo bruto"},
		1381: {HazardClass: "4.2", PackingGroup: "I", Description: "Fosforo branco"},
		1428: {HazardClass: "4.3", PackingGroup: "I", Description: "Sodio"},
		1479: {HazardClass: "5.1", PackingGroup: "II", Description: "Solido oxidante, N.E."},
		1689: {HazardClass: "6.1", PackingGroup: "I", Description: "Cianeto de sodio"},
		1760: {HazardClass: "8", PackingGroup: "II", Description: "Liquido corrosivo, N.E."},
		1789: {HazardClass: "8", PackingGroup: "II", Description: "Acido cloridrico"},
		1824: {HazardClass: "8", PackingGroup: "II", Description: "Hidroxido de sodio, solucao"},
		1830: {HazardClass: "8", PackingGroup: "II", Description: "Acido sulfurico"},
		1866: {HazardClass: "3", PackingGroup: "III", Description: "Resina, solucao"},
		1888: {HazardClass: "6.1", PackingGroup: "III", Description: "Cloroformio"},
		1950: {HazardClass: "2.1", Description: "Aerossois"},
		1993: {HazardClass: "3", PackingGroup: "III", Description: "Liquido inflamavel, N.E."},
		2014: {HazardClass: "5.1", PackingGroup: "II", Description: "Peroxido de hidrogenio"},
		2031: {HazardClass: "8", PackingGroup: "II", Description: "Acido nitrico"},
		2796: {HazardClass: "8", PackingGroup: "II", Description: "Acido sulfurico diluido"},
		2811: {HazardClass: "6.1", PackingGroup: "II", Description: "Solido toxico organico, N.E."},
		3077: {HazardClass: "9", PackingGroup: "III", Description: "Substancia perigosa ao meio ambiente, solida"},
		3082: {HazardClass: "9", PackingGroup: "III", Description: "Substancia perigosa ao meio ambiente, liquida"},
	}}
}

package model

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Canonical field names. The ordered default set defines extraction scope.
const (
	FieldUNNumber          = "numero_onu"
	FieldCASNumber         = "numero_cas"
	FieldHazardClass       = "classificacao_onu"
	FieldProductName       = "nome_produto"
	FieldManufacturer      = "fabricante"
	FieldPackingGroup      = "grupo_embalagem"
	FieldIncompatibilities = "incompatibilidades"
)

// FieldSpec describes one extractable field: its canonical name, a
// human-readable label, and the prompt template sent to the model.
// Templates use {chunk_label} and {document_text} placeholders.
type FieldSpec struct {
	Name           string `yaml:"name"`
	Label          string `yaml:"label"`
	PromptTemplate string `yaml:"prompt"`
}

// Prompt renders the spec's template for a chunk.
func (f FieldSpec) Prompt(chunkLabel, documentText string) string {
	r := strings.NewReplacer(
		"{chunk_label}", chunkLabel,
		"{document_text}", documentText,
		"{field_name}", f.Label,
	)
	return r.Replace(f.PromptTemplate)
}

// FieldSet is an ordered, indexed collection of field specs.
type FieldSet struct {
	specs  []FieldSpec
	byName map[string]*FieldSpec
}

// NewFieldSet indexes the given specs preserving order.
func NewFieldSet(specs []FieldSpec) *FieldSet {
	fs := &FieldSet{
		specs:  specs,
		byName: make(map[string]*FieldSpec, len(specs)),
	}
	for i := range fs.specs {
		fs.byName[fs.specs[i].Name] = &fs.specs[i]
	}
	return fs
}

// ByName returns the spec for a field name, or nil.
func (fs *FieldSet) ByName(name string) *FieldSpec {
	return fs.byName[name]
}

// Specs returns the ordered specs.
func (fs *FieldSet) Specs() []FieldSpec {
	return fs.specs
}

// Names returns the ordered field names.
func (fs *FieldSet) Names() []string {
	names := make([]string, len(fs.specs))
	for i, s := range fs.specs {
		names[i] = s.Name
	}
	return names
}

// LoadFieldSet reads field specs from a YAML file. Specs missing a prompt
// inherit the default template for the same field name.
func LoadFieldSet(path string) (*FieldSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read fields file %s", path)
	}
	var wrapper struct {
		Fields []FieldSpec `yaml:"fields"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "model: parse fields file")
	}
	if len(wrapper.Fields) == 0 {
		return nil, eris.Errorf("model: fields file %s defines no fields", path)
	}
	defaults := DefaultFieldSet()
	for i := range wrapper.Fields {
		if wrapper.Fields[i].PromptTemplate == "" {
			if d := defaults.ByName(wrapper.Fields[i].Name); d != nil {
				wrapper.Fields[i].PromptTemplate = d.PromptTemplate
			}
		}
	}
	return NewFieldSet(wrapper.Fields), nil
}

// DefaultFieldSet returns the built-in extraction scope.
func DefaultFieldSet() *FieldSet {
	return NewFieldSet([]FieldSpec{
		{
			Name:  FieldUNNumber,
			Label: "Numero ONU",
			PromptTemplate: "TAREFA: Extraia o numero ONU (UN number) do produto quimico.\n" +
				"Se existir, responda apenas com o numero de quatro digitos.\n" +
				"Se nao encontrar, responda exatamente com 'NAO ENCONTRADO'.\n\n" +
				"TRECHO DA FDS ({chunk_label}):\n{document_text}\n",
		},
		{
			Name:  FieldCASNumber,
			Label: "Numero CAS",
			PromptTemplate: "TAREFA: Identifique o numero CAS do produto.\n" +
				"Retorne no formato ####-##-# (ou similar com 2 a 7 digitos na primeira parte).\n" +
				"Se nao encontrar, responda com 'NAO ENCONTRADO'.\n\n" +
				"TRECHO DA FDS ({chunk_label}):\n{document_text}\n",
		},
		{
			Name:  FieldHazardClass,
			Label: "Classificacao ONU",
			PromptTemplate: "TAREFA: Extraia a classe ONU (classe de risco) do produto.\n" +
				"Responda apenas com o numero da classe ou subclasse (ex.: 3, 2.3, 6.1).\n" +
				"Se nao encontrar, responda com 'NAO ENCONTRADO'.\n\n" +
				"TRECHO DA FDS ({chunk_label}):\n{document_text}\n",
		},
		{
			Name:  FieldProductName,
			Label: "Nome do Produto",
			PromptTemplate: "TAREFA: Identifique o nome completo do produto quimico.\n" +
				"Extraia da Secao 1 (Identificacao do Produto).\n" +
				"Responda apenas com o nome, sem informacoes adicionais.\n" +
				"Se nao encontrar, responda com 'NAO ENCONTRADO'.\n\n" +
				"TRECHO DA FDS ({chunk_label}):\n{document_text}\n",
		},
		{
			Name:  FieldManufacturer,
			Label: "Fabricante",
			PromptTemplate: "TAREFA: Identifique o nome do fabricante ou fornecedor do produto.\n" +
				"Extraia da Secao 1 (Identificacao da Empresa).\n" +
				"Responda apenas com o nome da empresa.\n" +
				"Se nao encontrar, responda com 'NAO ENCONTRADO'.\n\n" +
				"TRECHO DA FDS ({chunk_label}):\n{document_text}\n",
		},
		{
			Name:  FieldPackingGroup,
			Label: "Grupo de Embalagem",
			PromptTemplate: "TAREFA: Identifique o grupo de embalagem para transporte.\n" +
				"Deve ser I, II ou III (algarismos romanos).\n" +
				"Extraia da Secao 14 (Informacoes sobre Transporte).\n" +
				"Se nao encontrar, responda com 'NAO ENCONTRADO'.\n\n" +
				"TRECHO DA FDS ({chunk_label}):\n{document_text}\n",
		},
	})
}

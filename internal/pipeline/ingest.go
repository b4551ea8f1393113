package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Typed ingest errors callers branch on.
var (
	ErrFileTooLarge    = eris.New("pipeline: file exceeds size limit")
	ErrUnsupportedType = eris.New("pipeline: unsupported file type")
	ErrEmptyDocument    = eris.New("pipeline: document has no text")
	ErrDocumentNotFound = eris.New("pipeline: document not found")
)

// supportedTypes maps accepted extensions to the stored file type label.
// Binary formats are out of scope; inputs are text or pre-extracted text.
var supportedTypes = map[string]string{
	".txt":      "Text",
	".text":     "Text",
	".md":       "Markdown",
	".markdown": "Markdown",
}

// sectionHeader matches numbered SDS section headings in Portuguese sheets.
var sectionHeader = regexp.MustCompile(`(?i)(?:SECAO|SEÇÃO)\s+(\d{1,2})[\s\-:]+\S`)

// Document is the ingested form of one input file.
type Document struct {
	Filename    string
	Path        string
	Text        string
	ContentHash string
	SizeBytes   int64
	FileType    string
	Sections    map[int]string
}

// ReadDocument loads and hashes a source file. The size limit is enforced
// before anything touches the store, so oversized files leave no record.
func ReadDocument(path string, maxBytes int64) (*Document, error) {
	fileType, ok := supportedTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, eris.Wrapf(ErrUnsupportedType, "%s", filepath.Base(path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: stat %s", path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, eris.Wrapf(ErrFileTooLarge, "%s: %d bytes over limit %d",
			filepath.Base(path), info.Size(), maxBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read %s", path)
	}

	sum := sha256.Sum256(data)
	text := string(data)
	return &Document{
		Filename:    filepath.Base(path),
		Path:        path,
		Text:        text,
		ContentHash: hex.EncodeToString(sum[:]),
		SizeBytes:   info.Size(),
		FileType:    fileType,
		Sections:    SplitSections(text),
	}, nil
}

// SplitSections carves the text into numbered SDS sections. Each section
// runs from its heading to the next heading. Returns nil when no headings
// are found, which downstream treats as an unsectioned document.
func SplitSections(text string) map[int]string {
	matches := sectionHeader.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}
	sections := make(map[int]string, len(matches))
	for i, m := range matches {
		num, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil || num < 1 || num > 16 {
			continue
		}
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		sections[num] = strings.TrimSpace(text[m[0]:end])
	}
	return sections
}

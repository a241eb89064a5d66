// Package rebuild produces the page-subset copy of a source document.
//
// PDF pages are copied structurally with pdfcpu: the selected page objects and
// their resources are kept as they are and nothing is re-rendered or re-encoded.
package rebuild

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var (
	// ErrNoPages is returned when there is nothing to keep. Callers must skip the write.
	ErrNoPages = errors.New("no relevant pages selected")

	// ErrInvalidDocument is returned when the source cannot be read as a PDF.
	ErrInvalidDocument = errors.New("source is not a valid paginated document")

	// ErrPageOutOfRange is returned when a selected page does not exist in the source.
	ErrPageOutOfRange = errors.New("selected page out of range")
)

func init() {
	// Functions run on a read-only filesystem; use the built-in pdfcpu defaults.
	api.DisableConfigDir()
}

func newConfiguration() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// Paginated reports whether documents with this extension can be page-filtered.
func Paginated(ext string) bool {
	return strings.EqualFold(strings.TrimPrefix(ext, "."), "pdf")
}

// Rebuild returns a document holding exactly the given 1-indexed pages of src in
// ascending order. Non-paginated content is returned unchanged.
func Rebuild(src []byte, ext string, pages []int) ([]byte, error) {
	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	if !Paginated(ext) {
		return src, nil
	}

	cfg := newConfiguration()
	pageCount, err := api.PageCount(bytes.NewReader(src), cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	selection := pageSelection(pages)
	for _, p := range pages {
		if p < 1 || p > pageCount {
			return nil, fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, p, pageCount)
		}
	}

	var out bytes.Buffer
	if err := api.Trim(bytes.NewReader(src), &out, selection, newConfiguration()); err != nil {
		return nil, fmt.Errorf("failed to trim document to pages %v: %w", selection, err)
	}
	return out.Bytes(), nil
}

// pageSelection renders the pages as a sorted, de-duplicated pdfcpu selection.
func pageSelection(pages []int) []string {
	sorted := append([]int(nil), pages...)
	sort.Ints(sorted)
	selection := make([]string, 0, len(sorted))
	for i, p := range sorted {
		if i > 0 && sorted[i-1] == p {
			continue
		}
		selection = append(selection, strconv.Itoa(p))
	}
	return selection
}

// ContentType is the MIME type stored with an artifact of this extension.
func ContentType(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch ext {
	case "pdf":
		return "application/pdf"
	case "jpg", "jpeg", "jfif":
		return "image/jpeg"
	case "txt":
		return "text/plain"
	default:
		return "image/" + ext
	}
}

// Package pdf wraps the pdfcpu operations the pipeline needs: page counts,
// page-range extraction into temp chunk files, and question-region crops.
package pdf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// ErrInvalidPDF indicates the input could not be opened as a PDF.
var ErrInvalidPDF = errors.New("invalid pdf")

// PageRange is a closed 1-based page interval.
type PageRange struct {
	Start int
	End   int
}

// Pages returns the number of pages covered by the range.
func (r PageRange) Pages() int {
	return r.End - r.Start + 1
}

func (r PageRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Ops performs PDF file operations. Outputs land in the destination
// directory the caller passes; the fallback temp directory serves callers
// without a workspace of their own.
type Ops struct {
	tempDir string
}

// NewOps creates an Ops with tempDir as the fallback output directory.
func NewOps(tempDir string) *Ops {
	return &Ops{tempDir: tempDir}
}

// PageCount returns the number of pages in the PDF at path.
func (o *Ops) PageCount(path string) (int, error) {
	count, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidPDF, path, err)
	}
	return count, nil
}

// ExtractRange writes pages [r.Start, r.End] of src into a new file under
// destDir and returns its path. The caller owns the file. Output names are
// derived from the source basename, so callers working on same-named
// documents must pass distinct destination directories; an empty destDir
// falls back to the shared temp directory.
func (o *Ops) ExtractRange(src string, r PageRange, destDir string) (string, error) {
	if r.Start < 1 || r.End < r.Start {
		return "", fmt.Errorf("invalid page range %s", r)
	}
	if destDir == "" {
		destDir = o.tempDir
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}

	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	dest := filepath.Join(destDir, fmt.Sprintf("%s_p%d-%d.pdf", stem, r.Start, r.End))

	if err := api.TrimFile(src, dest, []string{r.String()}, nil); err != nil {
		return "", fmt.Errorf("%w: extracting %s from %s: %v", ErrInvalidPDF, r, src, err)
	}
	return dest, nil
}

// CropRegion writes a copy of one page with its crop box set to the given
// region (points, origin bottom-left) and returns the path. Used to cut
// question regions out of jokbo pages.
func (o *Ops) CropRegion(src string, page int, x, y, w, h float64, destDir string) (string, error) {
	if w <= 0 || h <= 0 {
		return "", fmt.Errorf("invalid crop region %gx%g for page %d of %s", w, h, page, src)
	}
	single, err := o.ExtractRange(src, PageRange{Start: page, End: page}, destDir)
	if err != nil {
		return "", err
	}

	box := &model.Box{Rect: types.NewRectangle(x, y, x+w, y+h)}
	dest := strings.TrimSuffix(single, ".pdf") + "_crop.pdf"
	if err := api.CropFile(single, dest, nil, box, nil); err != nil {
		return "", fmt.Errorf("%w: cropping page %d of %s: %v", ErrInvalidPDF, page, src, err)
	}
	return dest, nil
}

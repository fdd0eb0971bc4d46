package knowledge

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxPDFText caps the extracted body of an imported document.
const maxPDFText = 64 * 1024

// ExtractPDFText returns the plain text of a PDF document.
func ExtractPDFText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("reading pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	b, err := io.ReadAll(io.LimitReader(plain, maxPDFText))
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	text := strings.Join(strings.Fields(string(b)), " ")
	if text == "" {
		return "", fmt.Errorf("pdf contains no extractable text")
	}
	return text, nil
}

package llm

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// maxDocumentChars bounds the extracted text handed to text-only providers.
const maxDocumentChars = 200_000

var ErrUnsupportedDocument = errors.New("unsupported document type")

// DocumentText returns the plain text of an attachment for providers that
// cannot read the binary document themselves.
func DocumentText(att *Attachment) (string, error) {
	switch {
	case strings.HasPrefix(att.MIMEType, "text/"):
		return truncate(string(att.Data)), nil
	case att.MIMEType == "application/pdf":
		return pdfText(att.Data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDocument, att.MIMEType)
	}
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
		if sb.Len() > maxDocumentChars {
			break
		}
	}

	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: PDF has no extractable text", ErrUnsupportedDocument)
	}
	return truncate(sb.String()), nil
}

// truncate cuts s to at most maxDocumentChars bytes without splitting a rune.
func truncate(s string) string {
	if len(s) <= maxDocumentChars {
		return s
	}
	cut := maxDocumentChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

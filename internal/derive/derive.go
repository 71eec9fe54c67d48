// Package derive produces secondary artifacts from uploaded files. The only
// deriver today turns PDF uploads into plain-text artifacts stored under the
// folder's derived/ prefix.
package derive

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// Derivable reports whether an artifact can be derived from contentType.
func Derivable(contentType string) bool {
	return contentType == "application/pdf"
}

// ArtifactName returns the filename of the derived artifact for fileName.
func ArtifactName(fileName string) string {
	base := strings.TrimSuffix(fileName, path.Ext(fileName))
	return base + ".txt"
}

// Text extracts plain text from PDF bytes using ledongthuc/pdf.
func Text(data []byte) (string, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("new pdf reader: %w", err)
	}
	var builder strings.Builder
	total := doc.NumPage()
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

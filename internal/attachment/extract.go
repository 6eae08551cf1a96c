// Package attachment turns uploaded documents into plain text for the
// context assembler.
package attachment

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/kalambet/siteintel/internal/composer"
)

// MaxSize bounds a single decoded upload.
const MaxSize = 10 << 20 // 10MB

var (
	// ErrUnsupported is returned for binary formats with no text extractor.
	ErrUnsupported = errors.New("unsupported attachment type")
	// ErrTooLarge is returned when a decoded upload exceeds MaxSize.
	ErrTooLarge = errors.New("attachment too large")
)

// Upload is an attachment as received over the wire.
type Upload struct {
	FileName string `json:"fileName" validate:"required,max=255"`
	MimeType string `json:"mimeType,omitempty"`
	// Data is the base64-encoded file body.
	Data string `json:"data" validate:"required,base64"`
}

// Kind is the extraction strategy picked for an upload.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindHTML Kind = "html"
	KindText Kind = "text"
)

// Extract decodes u and returns its text as an attachment.
func Extract(u Upload) (composer.Attachment, error) {
	if base64.StdEncoding.DecodedLen(len(u.Data)) > MaxSize+3 {
		return composer.Attachment{}, fmt.Errorf("%s: %w", u.FileName, ErrTooLarge)
	}
	data, err := base64.StdEncoding.DecodeString(u.Data)
	if err != nil {
		return composer.Attachment{}, fmt.Errorf("%s: decoding base64: %w", u.FileName, err)
	}
	if len(data) > MaxSize {
		return composer.Attachment{}, fmt.Errorf("%s: %w", u.FileName, ErrTooLarge)
	}

	text, err := Text(u.FileName, u.MimeType, data)
	if err != nil {
		return composer.Attachment{}, fmt.Errorf("%s: %w", u.FileName, err)
	}
	return composer.Attachment{FileName: u.FileName, Content: text}, nil
}

// Text extracts plain text from data according to its detected kind.
func Text(fileName, mimeType string, data []byte) (string, error) {
	switch Detect(fileName, mimeType, data) {
	case KindPDF:
		return pdfText(data)
	case KindHTML:
		return htmlText(data)
	default:
		if !utf8.Valid(data) {
			return "", ErrUnsupported
		}
		return strings.TrimSpace(string(data)), nil
	}
}

// Detect picks the extraction strategy from the declared MIME type, then the
// file extension, then the content itself.
func Detect(fileName, mimeType string, data []byte) Kind {
	if k, ok := kindOf(mimeType); ok {
		return k
	}
	if k, ok := kindOf(mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName)))); ok {
		return k
	}
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return KindPDF
	}
	k, _ := kindOf(http.DetectContentType(data))
	return k
}

func kindOf(mimeType string) (Kind, bool) {
	if mimeType == "" {
		return KindText, false
	}
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return KindText, false
	}
	switch {
	case mt == "application/pdf":
		return KindPDF, true
	case mt == "text/html", mt == "application/xhtml+xml":
		return KindHTML, true
	case strings.HasPrefix(mt, "text/"), mt == "application/json", mt == "application/xml":
		return KindText, true
	}
	return KindText, false
}

func pdfText(data []byte) (text string, err error) {
	// The PDF reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reading pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(plain, MaxSize)); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func htmlText(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}
	var sb strings.Builder
	collectText(doc, &sb, 0)
	return strings.Join(strings.Fields(sb.String()), " "), nil
}

func collectText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 200 {
		return
	}
	switch n.Type {
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			sb.WriteString(t)
			sb.WriteByte(' ')
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "template", "svg", "iframe":
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb, depth+1)
	}
}

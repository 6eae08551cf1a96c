package attachment

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestExtract_HTML(t *testing.T) {
	page := `<html><head><title>Elm St</title><style>p{color:red}</style></head>
<body><h1>Offering</h1><script>track()</script><p>Asking   price $4.2M</p></body></html>`

	att, err := Extract(Upload{FileName: "listing.html", Data: encode(page)})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if att.FileName != "listing.html" {
		t.Errorf("file name = %q", att.FileName)
	}
	want := "Elm St Offering Asking price $4.2M"
	if att.Content != want {
		t.Errorf("content = %q, want %q", att.Content, want)
	}
}

func TestExtract_PlainText(t *testing.T) {
	att, err := Extract(Upload{FileName: "notes.txt", MimeType: "text/plain; charset=utf-8", Data: encode("  NOI: $310k \n")})
	if err != nil {
		t.Fatal(err)
	}
	if att.Content != "NOI: $310k" {
		t.Errorf("content = %q", att.Content)
	}
}

func TestExtract_InvalidBase64(t *testing.T) {
	if _, err := Extract(Upload{FileName: "x.txt", Data: "!!not base64!!"}); err == nil {
		t.Error("expected decode error")
	}
}

func TestExtract_BinaryUnsupported(t *testing.T) {
	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\xff\xfe"
	_, err := Extract(Upload{FileName: "site.png", Data: encode(png)})
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestExtract_MalformedPDF(t *testing.T) {
	_, err := Extract(Upload{FileName: "om.pdf", Data: encode("%PDF-1.4\nnot really a pdf")})
	if err == nil {
		t.Fatal("expected error for malformed pdf")
	}
	if !strings.Contains(err.Error(), "om.pdf") {
		t.Errorf("error should name the file: %v", err)
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name, mime string
		data       string
		want       Kind
	}{
		{"a.pdf", "", "", KindPDF},
		{"a.bin", "application/pdf", "", KindPDF},
		{"blob", "", "%PDF-1.7 ...", KindPDF},
		{"page.htm", "", "", KindHTML},
		{"blob", "", "<!DOCTYPE html><html></html>", KindHTML},
		{"rent-roll.csv", "", "unit,rent", KindText},
		{"x.html", "text/plain", "<p>declared wins</p>", KindText},
	}
	for _, tt := range tests {
		if got := Detect(tt.name, tt.mime, []byte(tt.data)); got != tt.want {
			t.Errorf("Detect(%q, %q) = %q, want %q", tt.name, tt.mime, got, tt.want)
		}
	}
}

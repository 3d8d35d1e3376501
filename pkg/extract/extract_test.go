package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"strings"
	"testing"
)

func buildDocx(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestTextPlainFormats(t *testing.T) {
	tests := []struct {
		ext  string
		in   string
		want string
	}{
		{".txt", "  Petição  inicial\n\ndo autor ", "Petição inicial do autor"},
		{".MD", "# Título\n- item", "# Título - item"},
		{".csv", "nome,valor\nmulta,100", "nome,valor multa,100"},
		{".json", `{"a": "b"}`, `{"a": "b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			got, err := Text(tt.ext, []byte(tt.in))
			if err != nil {
				t.Fatalf("Text: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTextDocx(t *testing.T) {
	body := `<?xml version="1.0"?><w:document><w:body>` +
		`<w:p><w:r><w:t>Cláusula primeira</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>O locatário</w:t><w:tab/><w:t>pagará</w:t></w:r></w:p>` +
		`</w:body></w:document>`
	got, err := Text(".docx", buildDocx(t, body))
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if got != "Cláusula primeira O locatário pagará" {
		t.Fatalf("docx text = %q", got)
	}
}

func TestTextRTF(t *testing.T) {
	in := `{\rtf1\ansi{\fonttbl{\f0 Arial;}}{\*\generator Word;}\f0\fs24 Contrato de loca\'e7\'e3o\par Cl\'e1usula 1 \{x\}}`
	got, err := Text(".rtf", []byte(in))
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if got != "Contrato de locação Cláusula 1 {x}" {
		t.Fatalf("rtf text = %q", got)
	}
}

func TestTextErrors(t *testing.T) {
	if _, err := Text(".doc", []byte("binary")); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported for .doc, got %v", err)
	}
	if _, err := Text(".txt", []byte("   \n\t")); !errors.Is(err, ErrNoText) {
		t.Fatalf("expected no text, got %v", err)
	}
	if _, err := Text(".pdf", []byte("not a pdf")); err == nil {
		t.Fatalf("expected error for invalid pdf")
	}
	if _, err := Text(".docx", []byte("not a zip")); err == nil {
		t.Fatalf("expected error for invalid docx")
	}
}

func TestSupports(t *testing.T) {
	for _, ext := range []string{".pdf", ".DOCX", ".rtf", ".txt", ".md", ".csv", ".json"} {
		if !Supports(ext) {
			t.Fatalf("Supports(%q) = false", ext)
		}
	}
	for _, ext := range []string{".doc", ".exe", ""} {
		if Supports(ext) {
			t.Fatalf("Supports(%q) = true", ext)
		}
	}
}

func TestTextCapsLength(t *testing.T) {
	in := strings.Repeat("á", MaxRunes+10)
	got, err := Text(".txt", []byte(in))
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if n := len([]rune(got)); n != MaxRunes {
		t.Fatalf("runes = %d, want %d", n, MaxRunes)
	}
}

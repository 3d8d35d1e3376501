// Package extract pulls plain text out of uploaded documents.
package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// MaxRunes caps the stored text of a single document.
const MaxRunes = 500_000

var (
	// ErrUnsupported marks formats that are accepted for upload but cannot be read.
	ErrUnsupported = errors.New("extract: unsupported format")
	// ErrNoText is returned when a readable document yields no text.
	ErrNoText = errors.New("extract: no text found")
)

// Supports reports whether Text can read files with ext.
func Supports(ext string) bool {
	switch strings.ToLower(ext) {
	case ".pdf", ".docx", ".rtf", ".txt", ".md", ".csv", ".json":
		return true
	}
	return false
}

// Text extracts normalized plain text from data according to its extension.
func Text(ext string, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	if !Supports(ext) {
		return "", ErrUnsupported
	}
	switch strings.ToLower(ext) {
	case ".pdf":
		text, err = pdfText(data)
	case ".docx":
		text, err = docxText(data)
	case ".rtf":
		text = rtfText(data)
	default:
		text = string(data)
	}
	if err != nil {
		return "", err
	}
	text = normalizeText(text)
	if text == "" {
		return "", ErrNoText
	}
	if utf8.RuneCountInString(text) > MaxRunes {
		text = string([]rune(text)[:MaxRunes])
	}
	return text, nil
}

func pdfText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// unreadable pages are skipped
			continue
		}
		b.WriteString(text)
		b.WriteString(" ")
	}
	return b.String(), nil
}

func docxText(data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("read docx body: %w", err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("read docx body: %w", err)
		}
		doc, err := html.Parse(bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("parse docx body: %w", err)
		}
		return extractText(doc), nil
	}
	return "", fmt.Errorf("docx body missing")
}

func extractText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
			if node.Data == "w:tab" {
				buf.WriteString(" ")
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode && isBlock(node.Data) {
			buf.WriteString(" ")
		}
	}
	walk(n)
	return buf.String()
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "br", "div", "li", "w:p", "w:br", "w:tr":
		return true
	}
	return false
}

// rtfText drops control words, groups marked as destinations and braces,
// keeping \par breaks and \'hh escapes (read as Latin-1).
func rtfText(data []byte) string {
	var b strings.Builder
	skipDepth := 0
	depth := 0
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch c {
		case '{':
			depth++
			if i+2 < len(data) && data[i+1] == '\\' && data[i+2] == '*' && skipDepth == 0 {
				skipDepth = depth
			}
		case '}':
			if skipDepth == depth {
				skipDepth = 0
			}
			depth--
		case '\\':
			if i+1 >= len(data) {
				continue
			}
			next := data[i+1]
			switch {
			case next == '\'' && i+3 < len(data):
				if skipDepth == 0 {
					if v, err := strconv.ParseUint(string(data[i+2:i+4]), 16, 8); err == nil {
						b.WriteRune(rune(v))
					}
				}
				i += 3
			case next == '\\' || next == '{' || next == '}':
				if skipDepth == 0 {
					b.WriteByte(next)
				}
				i++
			case isLetter(next):
				j := i + 1
				for j < len(data) && isLetter(data[j]) {
					j++
				}
				word := string(data[i+1 : j])
				for j < len(data) && (data[j] == '-' || (data[j] >= '0' && data[j] <= '9')) {
					j++
				}
				if j < len(data) && data[j] == ' ' {
					j++
				}
				if skipDepth == 0 && (word == "par" || word == "line") {
					b.WriteByte('\n')
				}
				if isDestination(word) && skipDepth == 0 {
					skipDepth = depth
				}
				i = j - 1
			default:
				i++
			}
		case '\r', '\n':
		default:
			if skipDepth == 0 {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDestination(word string) bool {
	switch word {
	case "fonttbl", "colortbl", "stylesheet", "info", "pict", "header", "footer":
		return true
	}
	return false
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

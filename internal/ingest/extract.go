package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/branestawm/branestawm/internal/vectordb"
)

// ErrUnsupportedFormat is returned for files ExtractText cannot read.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Supported reports whether ExtractText can read a file named name.
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".markdown", ".text", "", ".html", ".htm", ".pdf":
		return true
	}
	return false
}

// ExtractText returns the plain text of a file, choosing the reader by the
// extension of name. Plain text and markdown are returned as is.
func ExtractText(name string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".markdown", ".text", "":
		return string(data), nil
	case ".html", ".htm":
		return extractHTML(bytes.NewReader(data))
	case ".pdf":
		return extractPDF(data)
	default:
		return "", fmt.Errorf("%s: %w", name, ErrUnsupportedFormat)
	}
}

// DocTypeFor guesses the document type of a file from its name.
func DocTypeFor(name string) vectordb.DocType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return vectordb.DocProject
	default:
		return vectordb.DocUnknown
	}
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Blockquote: true, atom.Pre: true,
}

// extractHTML collects the visible text of an HTML document, dropping
// script and style contents and separating block elements by newlines.
func extractHTML(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var sb strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return collapseLines(sb.String()), nil
			}
			return "", fmt.Errorf("parsing html: %w", z.Err())
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Head:
				if tok.Type == html.StartTagToken {
					skip++
				}
			default:
				if blockElements[tok.DataAtom] {
					sb.WriteByte('\n')
				}
			}
		case html.EndTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Head:
				if skip > 0 {
					skip--
				}
			default:
				if blockElements[tok.DataAtom] {
					sb.WriteByte('\n')
				}
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return collapseLines(buf.String()), nil
}

// collapseLines trims every line, collapses runs of spaces and drops empty
// lines.
func collapseLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

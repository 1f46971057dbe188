// Package document writes transcripts as Word (.docx) files.
package document

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomutex/godocx"
	"github.com/gomutex/godocx/docx"
	"github.com/gomutex/godocx/wml/ctypes"
	"github.com/gomutex/godocx/wml/stypes"
)

// Docx writes one transcript_{id}.docx per link into Dir. Rewriting the same
// id replaces the previous file atomically.
type Docx struct {
	Dir string
	// RTL right-aligns paragraphs and sets right-to-left direction,
	// for Arabic and similar scripts.
	RTL bool
}

func NewDocx(dir string, rtl bool) *Docx {
	if dir == "" {
		dir = "word_files"
	}
	return &Docx{Dir: dir, RTL: rtl}
}

func FileName(linkID int64) string {
	return fmt.Sprintf("transcript_%d.docx", linkID)
}

func (d *Docx) Write(ctx context.Context, text string, linkID int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create document dir: %w", err)
	}

	doc, err := d.build(text)
	if err != nil {
		return "", err
	}

	final := filepath.Join(d.Dir, FileName(linkID))
	tmp, err := os.CreateTemp(d.Dir, ".transcript-*.docx")
	if err != nil {
		return "", fmt.Errorf("create temp document: %w", err)
	}
	tmpName := tmp.Name()

	_, err = doc.WriteTo(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write document: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("publish document: %w", err)
	}
	return final, nil
}

// build lays the transcript out one paragraph per line.
func (d *Docx) build(text string) (*docx.RootDoc, error) {
	doc, err := godocx.NewDocument()
	if err != nil {
		return nil, fmt.Errorf("new document: %w", err)
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		p := doc.AddEmptyParagraph()
		run := &ctypes.Run{
			Children: []ctypes.RunChild{{Text: ctypes.TextFromString(line)}},
		}
		if d.RTL {
			p.Justification(stypes.JustificationRight)
			p.GetCT().Property.Bidi = &ctypes.OnOff{}
			run.Property = &ctypes.RunProperty{RightToLeft: &ctypes.OnOff{}}
		}
		ct := p.GetCT()
		ct.Children = append(ct.Children, ctypes.ParagraphChild{Run: run})
	}
	return doc, nil
}

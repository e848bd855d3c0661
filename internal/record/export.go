package record

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// The export's download links hide the URL inside an onclick handler:
// <a onclick="downloadMemories('https://...', ...)">Download</a>
var downloadURLRe = regexp.MustCompile(`(?i)downloadMemories\(\s*['"]([^'"]+)['"]`)

var exportDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} UTC$`)

// ExportFile reads records from a memories_history.html export file.
type ExportFile struct {
	Path string
}

// Records implements Source by parsing the export HTML table. Rows missing a
// download URL or a capture date are dropped; surviving rows are numbered in
// document order starting at 1.
func (e ExportFile) Records() ([]Record, error) {
	f, err := os.Open(e.Path)
	if err != nil {
		return nil, fmt.Errorf("open export: %w", err)
	}
	defer f.Close()
	return ParseExport(f)
}

// ParseExport extracts records from export HTML. Each table row holds cells
// with the capture date, media type, and coordinates, plus the download link.
func ParseExport(r io.Reader) ([]Record, error) {
	tokenizer := html.NewTokenizer(r)

	var records []Record
	var row Record
	inRow := false
	inCell := false

	flushRow := func() {
		if row.URL == "" || row.DateRaw == "" {
			return
		}
		row.Seq = len(records) + 1
		row.Date = ParseDate(row.DateRaw)
		if row.Hint == "" {
			row.Hint = HintUnknown
		}
		if row.Latitude == "" {
			row.Latitude = "Unknown"
		}
		if row.Longitude == "" {
			row.Longitude = "Unknown"
		}
		records = append(records, row)
	}

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			if err := tokenizer.Err(); err != io.EOF {
				return nil, fmt.Errorf("parse export: %w", err)
			}
			return records, nil
		case html.StartTagToken:
			token := tokenizer.Token()
			switch token.Data {
			case "tr":
				inRow = true
				row = Record{}
			case "td":
				inCell = inRow
			case "a":
				if !inRow {
					continue
				}
				for _, attr := range token.Attr {
					if attr.Key != "onclick" || !strings.Contains(attr.Val, "downloadMemories") {
						continue
					}
					if m := downloadURLRe.FindStringSubmatch(attr.Val); m != nil {
						row.URL = m[1]
					}
				}
			}
		case html.EndTagToken:
			switch tokenizer.Token().Data {
			case "td":
				inCell = false
			case "tr":
				if inRow {
					flushRow()
				}
				inRow = false
			}
		case html.TextToken:
			if !inCell {
				continue
			}
			applyCellText(&row, strings.TrimSpace(string(tokenizer.Text())))
		}
	}
}

func applyCellText(row *Record, text string) {
	switch {
	case text == "":
	case exportDateRe.MatchString(text):
		row.DateRaw = text
	case text == string(HintImage) || text == string(HintVideo):
		row.Hint = MediaHint(text)
	case strings.Contains(text, "Latitude, Longitude:"):
		coords := strings.TrimSpace(strings.ReplaceAll(text, "Latitude, Longitude:", ""))
		if lat, lon, ok := strings.Cut(coords, ","); ok {
			row.Latitude = strings.TrimSpace(lat)
			row.Longitude = strings.TrimSpace(lon)
		}
	}
}

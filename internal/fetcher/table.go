package fetcher

import (
	"bytes"
	"context"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Table is a decoded upload: one header row plus string cells.
type Table struct {
	Header []string
	Rows   [][]string
}

// ErrMalformed marks input that cannot be read as a table at all.
var ErrMalformed = eris.New("malformed table")

var (
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// DecodeText converts upload bytes to UTF-8 without a byte-order mark.
// UTF-16 input is accepted when it carries a BOM; anything else must already
// be valid UTF-8.
func DecodeText(data []byte) ([]byte, error) {
	utf16 := bytes.HasPrefix(data, bomUTF16LE) || bytes.HasPrefix(data, bomUTF16BE)
	if !utf16 && !utf8.Valid(data) {
		return nil, eris.Wrap(ErrMalformed, "decode: input is not valid UTF-8")
	}

	out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return nil, eris.Wrapf(ErrMalformed, "decode: %v", err)
	}
	return out, nil
}

// Decode turns raw upload bytes into a Table using the given format.
func Decode(ctx context.Context, data []byte, format Format) (*Table, error) {
	switch format {
	case FormatXLSX:
		return ReadXLSX(data, XLSXOptions{})
	case FormatCSV, "":
		text, err := DecodeText(data)
		if err != nil {
			return nil, err
		}
		return ReadCSV(ctx, bytes.NewReader(text), CSVOptions{TrimSpace: true})
	}
	return nil, eris.Errorf("fetcher: unsupported format %q", format)
}

func newTable(records [][]string) (*Table, error) {
	if len(records) == 0 {
		return nil, eris.Wrap(ErrMalformed, "table: file is empty or has no header")
	}
	header := records[0]
	empty := true
	for _, h := range header {
		if h != "" {
			empty = false
			break
		}
	}
	if empty {
		return nil, eris.Wrap(ErrMalformed, "table: header row is blank")
	}
	return &Table{Header: header, Rows: records[1:]}, nil
}

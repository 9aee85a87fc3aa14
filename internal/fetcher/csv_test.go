package fetcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

func TestReadCSV_Basic(t *testing.T) {
	input := "a,b,c\n1,2,3\n4,5,6\n"
	tbl, err := ReadCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, tbl.Header)
	assert.Equal(t, [][]string{{"1", "2", "3"}, {"4", "5", "6"}}, tbl.Rows)
}

func TestReadCSV_RaggedRowsAndQuotes(t *testing.T) {
	input := "a,b,c\n1,\"x, y\"\n4,5,6,7\n"
	tbl, err := ReadCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	require.NoError(t, err)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, []string{"1", "x, y"}, tbl.Rows[0])
	assert.Len(t, tbl.Rows[1], 4)
}

func TestReadCSV_TrimSpaceAndBlankLines(t *testing.T) {
	input := " a , b \n\n 1 , 2 \n"
	tbl, err := ReadCSV(context.Background(), strings.NewReader(input), CSVOptions{TrimSpace: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tbl.Header)
	assert.Equal(t, [][]string{{"1", "2"}}, tbl.Rows)
}

func TestReadCSV_Delimiter(t *testing.T) {
	tbl, err := ReadCSV(context.Background(), strings.NewReader("a;b\n1;2\n"), CSVOptions{Delimiter: ';'})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tbl.Header)
}

func TestReadCSV_HeaderOnly(t *testing.T) {
	tbl, err := ReadCSV(context.Background(), strings.NewReader("a,b\n"), CSVOptions{})
	require.NoError(t, err)
	assert.Empty(t, tbl.Rows)
}

func TestReadCSV_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"bare quote", "a,b\n1,\"unterminated\n"},
		{"blank header", ",,\n1,2,3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(context.Background(), strings.NewReader(tt.input), CSVOptions{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestReadCSV_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReadCSV(ctx, strings.NewReader("a\n1\n"), CSVOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDecodeText(t *testing.T) {
	t.Run("utf8 bom stripped", func(t *testing.T) {
		out, err := DecodeText([]byte("\xEF\xBB\xBFtransaction_date\n"))
		require.NoError(t, err)
		assert.Equal(t, "transaction_date\n", string(out))
	})

	t.Run("utf16 with bom", func(t *testing.T) {
		enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
		in, err := enc.Bytes([]byte("city\nMünchen\n"))
		require.NoError(t, err)

		out, err := DecodeText(in)
		require.NoError(t, err)
		assert.Equal(t, "city\nMünchen\n", string(out))
	})

	t.Run("invalid utf8", func(t *testing.T) {
		_, err := DecodeText([]byte{'a', 0xff, 0xfe, 0xfd, '\n'})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMalformed))
	})
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		override string
		want     Format
		wantErr  bool
	}{
		{"csv", "upload.csv", "", FormatCSV, false},
		{"upper csv", "UPLOAD.CSV", "", FormatCSV, false},
		{"xlsx", "sales.xlsx", "", FormatXLSX, false},
		{"override", "download", "xlsx", FormatXLSX, false},
		{"bad override", "upload.csv", "parquet", "", true},
		{"unknown ext", "upload.json", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.file, tt.override)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSourceOpen_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.csv")
	require.NoError(t, os.WriteFile(path, []byte("a\n1\n"), 0o644))

	src := NewSource(HTTPOptions{}, FTPOptions{})
	rc, name, err := src.Open(context.Background(), path)
	require.NoError(t, err)
	defer rc.Close() //nolint:errcheck
	assert.Equal(t, "batch.csv", name)
}

func TestSourceOpen_Missing(t *testing.T) {
	src := &Source{}
	_, _, err := src.Open(context.Background(), filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)

	_, _, err = src.Open(context.Background(), "https://example.com/a.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no http fetcher")
}

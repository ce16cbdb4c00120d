package ingest

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode converts data from the named encoding to UTF-8. A leading byte
// order mark is dropped and invalid sequences become U+FFFD, so the result
// is always valid UTF-8.
func Decode(data []byte, name string) ([]byte, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}

	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	out = bytes.TrimPrefix(out, utf8BOM)
	return bytes.ToValidUTF8(out, []byte("�")), nil
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	switch lower {
	case "", "utf-8", "utf8", "ascii", "us-ascii":
		return unicode.UTF8BOM, nil
	}

	if enc, err := htmlindex.Get(lower); err == nil {
		return enc, nil
	}
	if enc, err := ianaindex.IANA.Encoding(name); err == nil && enc != nil {
		return enc, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, name)
}

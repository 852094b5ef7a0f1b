package dispatch

import (
	"fmt"

	"github.com/vincent-petithory/dataurl"
)

// ResultMediaType is the MIME type of convert-done payloads.
const ResultMediaType = "application/octet-stream"

// EncodeResult wraps converted model bytes in a base64 data URI.
func EncodeResult(data []byte) string {
	return dataurl.New(data, ResultMediaType).String()
}

// DecodeResult extracts the model bytes from a convert-done data URI.
func DecodeResult(s string) ([]byte, error) {
	du, err := dataurl.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	if ct := du.ContentType(); ct != ResultMediaType {
		return nil, fmt.Errorf("unexpected media type %q", ct)
	}
	return du.Data, nil
}

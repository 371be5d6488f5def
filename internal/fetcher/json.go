package fetcher

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSONObject decodes exactly one JSON value from r. Anything but
// whitespace after it is rejected, which catches bodies that were cut off
// and concatenated by a misbehaving proxy.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	dec := json.NewDecoder(r)
	var obj T
	if err := dec.Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, eris.New("json: trailing data after object")
	}
	return &obj, nil
}

package store

import (
	"encoding/json"
	"fmt"
)

// Encode converts a typed record into a Doc through its JSON form.
func Encode(v interface{}) (Doc, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}
	var doc Doc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}
	return doc, nil
}

// Decode fills a typed record from a Doc.
func Decode(doc Doc, out interface{}) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: decode: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("store: decode: %w", err)
	}
	return nil
}

// MustEncode is Encode for values known to marshal, such as domain
// records.
func MustEncode(v interface{}) Doc {
	doc, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return doc
}

package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSONArray decodes a JSON array of the form [{...},{...}] element by
// element. Both channels are closed when processing completes.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)
		decoder.UseNumber()

		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for decoder.More() {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}

			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}

// CKANPage is one datastore_search response from a CKAN open data portal.
type CKANPage struct {
	Success bool `json:"success"`
	Result  struct {
		Records []map[string]any `json:"records"`
		Total   int              `json:"total"`
		Limit   int              `json:"limit"`
		Offset  int              `json:"offset"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"__type"`
	} `json:"error,omitempty"`
}

// DecodeCKANPage decodes a datastore_search envelope. A response with
// success=false is an error.
func DecodeCKANPage(r io.Reader) (*CKANPage, error) {
	var page CKANPage
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&page); err != nil {
		return nil, eris.Wrap(err, "json: decode ckan page")
	}
	if !page.Success {
		msg := "unknown error"
		if page.Error != nil && page.Error.Message != "" {
			msg = page.Error.Message
		}
		return nil, eris.Errorf("json: ckan request failed: %s", msg)
	}
	return &page, nil
}

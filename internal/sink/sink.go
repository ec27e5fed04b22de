// Package sink holds the pieces shared by the PageSink implementations.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"go.uber.org/multierr"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/hash/sha256"
)

// Envelope is the JSON document written for each page. HTML is inlined for
// message sinks; blob sinks store it separately and set HTMLURI instead.
type Envelope struct {
	crawler.Page
	HTML    string `json:"html,omitempty"`
	HTMLURI string `json:"html_uri,omitempty"`
}

// NewEnvelope builds an envelope, inlining the HTML when inline is true.
func NewEnvelope(page crawler.Page, inline bool) Envelope {
	env := Envelope{Page: page}
	if env.Links == nil {
		env.Links = []string{}
	}
	if inline {
		env.HTML = string(page.HTML)
	}
	return env
}

// ObjectKey returns "<jobID>/<sha256(url)>" so that redelivering the same page
// overwrites rather than duplicates.
func ObjectKey(page crawler.Page) string {
	digest, _ := sha256.New().Hash([]byte(page.URL))
	return path.Join(page.JobID, digest)
}

// BlobStore persists opaque objects under a key.
type BlobStore interface {
	PutObject(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}

// BlobSink writes each page as two objects: "<key>.html" and "<key>.json".
type BlobSink struct {
	store BlobStore
}

// NewBlobSink wraps a BlobStore as a PageSink.
func NewBlobSink(store BlobStore) *BlobSink {
	return &BlobSink{store: store}
}

// Deliver implements crawler.PageSink.
func (s *BlobSink) Deliver(ctx context.Context, page crawler.Page) error {
	key := ObjectKey(page)
	htmlURI, err := s.store.PutObject(ctx, key+".html", "text/html", bytes.NewReader(page.HTML))
	if err != nil {
		return fmt.Errorf("put page html: %w", err)
	}
	env := NewEnvelope(page, false)
	env.HTMLURI = htmlURI
	meta, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal page metadata: %w", err)
	}
	if _, err := s.store.PutObject(ctx, key+".json", "application/json", bytes.NewReader(meta)); err != nil {
		return fmt.Errorf("put page metadata: %w", err)
	}
	return nil
}

// Multi delivers every page to all sinks. A failure in one sink does not
// prevent delivery to the others; the combined error triggers a retry of all.
type Multi []crawler.PageSink

// Deliver implements crawler.PageSink.
func (m Multi) Deliver(ctx context.Context, page crawler.Page) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Deliver(ctx, page))
	}
	return err
}

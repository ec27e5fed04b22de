package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/sink"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestDeliverWritesEnvelope(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	s := NewWithWriter(w)
	fetched := time.Unix(1700000000, 0).UTC()
	page := crawler.Page{
		JobID:     "example.edu",
		URL:       "https://example.edu/library",
		HTML:      []byte("<html>library</html>"),
		Depth:     2,
		FetchedAt: fetched,
	}

	require.NoError(t, s.Deliver(context.Background(), page))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	require.Equal(t, page.URL, string(msg.Key))
	require.Equal(t, fetched, msg.Time)
	require.Equal(t, []kafka.Header{
		{Key: "job_id", Value: []byte("example.edu")},
		{Key: "depth", Value: []byte("2")},
	}, msg.Headers)

	var env sink.Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	require.Equal(t, "<html>library</html>", env.HTML)
	require.Equal(t, []string{}, env.Links)

	require.NoError(t, s.Close())
	require.True(t, w.closed)
}

func TestDeliverWrapsWriteError(t *testing.T) {
	t.Parallel()

	boom := errors.New("leader not available")
	s := NewWithWriter(&fakeWriter{err: boom})
	err := s.Deliver(context.Background(), crawler.Page{URL: "https://example.edu/"})
	require.ErrorIs(t, err, boom)
}

func TestNewRequiresBrokersAndTopic(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Topic: "pages"})
	require.Error(t, err)
	_, err = New(Config{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)

	s, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "pages"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

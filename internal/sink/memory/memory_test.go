package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/hellojohn-jwks/internal/sink"
)

func TestPutReplacesWholeObject(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Get(ctx, "k.json")
	require.ErrorIs(t, err, sink.ErrNotFound)

	body := []byte(`{"keys":[]}`)
	require.NoError(t, s.Put(ctx, sink.Object{Path: "k.json", Body: body, ContentType: "application/json"}))
	body[0] = 'X'

	got, err := s.Get(ctx, "k.json")
	require.NoError(t, err)
	require.Equal(t, `{"keys":[]}`, string(got.Body))
	require.Equal(t, "application/json", got.ContentType)

	require.NoError(t, s.Put(ctx, sink.Object{Path: "k.json", Body: []byte(`{"keys":[{"kid":"A"}]}`)}))
	got, err = s.Get(ctx, "k.json")
	require.NoError(t, err)
	require.Equal(t, `{"keys":[{"kid":"A"}]}`, string(got.Body))
	require.Empty(t, got.ContentType)
	require.Equal(t, 2, s.Writes())
}

func TestPutIfNewerRejectsOlderAndEqualStamps(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutIfNewer(ctx, sink.Object{Path: "k.json", Body: []byte("b"), Stamp: 20}))
	require.ErrorIs(t, s.PutIfNewer(ctx, sink.Object{Path: "k.json", Body: []byte("a"), Stamp: 10}), sink.ErrStale)
	require.ErrorIs(t, s.PutIfNewer(ctx, sink.Object{Path: "k.json", Body: []byte("a"), Stamp: 20}), sink.ErrStale)
	require.NoError(t, s.PutIfNewer(ctx, sink.Object{Path: "k.json", Body: []byte("c"), Stamp: 30}))

	got, err := s.Get(ctx, "k.json")
	require.NoError(t, err)
	require.Equal(t, "c", string(got.Body))
	require.Equal(t, 2, s.Writes())
}

func TestFailPut(t *testing.T) {
	s := New()
	s.FailPut = errors.New("boom")
	require.Error(t, s.Put(context.Background(), sink.Object{Path: "k.json"}))
	require.Zero(t, s.Writes())
}

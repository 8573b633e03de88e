package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/hellojohn-jwks/internal/sink"
)

type storedObject struct {
	body        []byte
	contentType string
	meta        map[string]string
}

type fakeS3 struct {
	objs     map[string]storedObject
	policy   string
	block    *types.PublicAccessBlockConfiguration
	putCalls int
}

func newFake() *fakeS3 { return &fakeS3{objs: map[string]storedObject{}} }

func (f *fakeS3) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.putCalls++
	f.objs[aws.ToString(in.Key)] = storedObject{body: b, contentType: aws.ToString(in.ContentType), meta: in.Metadata}
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	o, ok := f.objs[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &awss3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(o.body)), ContentType: aws.String(o.contentType), Metadata: o.meta}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *awss3.HeadObjectInput, _ ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error) {
	o, ok := f.objs[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &awss3.HeadObjectOutput{Metadata: o.meta}, nil
}

func (f *fakeS3) PutBucketPolicy(_ context.Context, in *awss3.PutBucketPolicyInput, _ ...func(*awss3.Options)) (*awss3.PutBucketPolicyOutput, error) {
	f.policy = aws.ToString(in.Policy)
	return &awss3.PutBucketPolicyOutput{}, nil
}

func (f *fakeS3) PutPublicAccessBlock(_ context.Context, in *awss3.PutPublicAccessBlockInput, _ ...func(*awss3.Options)) (*awss3.PutPublicAccessBlockOutput, error) {
	f.block = in.PublicAccessBlockConfiguration
	return &awss3.PutPublicAccessBlockOutput{}, nil
}

func TestSink_PutAndGet(t *testing.T) {
	api := newFake()
	s := New(api, "bucket")
	ctx := context.Background()

	_, err := s.Get(ctx, ".well-known/jwks.json")
	require.ErrorIs(t, err, sink.ErrNotFound)

	require.NoError(t, s.Put(ctx, sink.Object{Path: "/.well-known/jwks.json", Body: []byte(`{"keys":[]}`), ContentType: "application/json"}))
	require.Contains(t, api.objs, ".well-known/jwks.json")

	got, err := s.Get(ctx, ".well-known/jwks.json")
	require.NoError(t, err)
	require.Equal(t, `{"keys":[]}`, string(got.Body))
	require.Equal(t, "application/json", got.ContentType)
}

func TestSink_PutIfNewer(t *testing.T) {
	api := newFake()
	s := New(api, "bucket")
	ctx := context.Background()

	require.NoError(t, s.PutIfNewer(ctx, sink.Object{Path: "jwks.json", Body: []byte("new"), Stamp: 200}))
	err := s.PutIfNewer(ctx, sink.Object{Path: "jwks.json", Body: []byte("old"), Stamp: 100})
	require.True(t, errors.Is(err, sink.ErrStale))
	require.Equal(t, 1, api.putCalls)
	require.Equal(t, "new", string(api.objs["jwks.json"].body))
}

func TestSink_ConfigurePublicRead(t *testing.T) {
	api := newFake()
	s := New(api, "my-bucket")
	require.NoError(t, s.ConfigurePublicRead(context.Background(), ".well-known/jwks.json"))

	require.True(t, aws.ToBool(api.block.BlockPublicAcls))
	require.False(t, aws.ToBool(api.block.BlockPublicPolicy))

	var doc policyDoc
	require.NoError(t, json.Unmarshal([]byte(api.policy), &doc))
	require.Len(t, doc.Statement, 1)
	require.Equal(t, "s3:GetObject", doc.Statement[0].Action)
	require.Equal(t, "arn:aws:s3:::my-bucket/.well-known/jwks.json", doc.Statement[0].Resource)
}

func TestPublicURL(t *testing.T) {
	require.Equal(t, "https://b.s3.amazonaws.com/.well-known/jwks.json", PublicURL("b", ".well-known/jwks.json", ""))
	require.Equal(t, "https://auth.example.com/.well-known/jwks.json", PublicURL("b", "/.well-known/jwks.json", "auth.example.com/"))
}

// Package s3 implementa la Publication Sink sobre un bucket S3: un único
// objeto público por deployment, escrito con PutObject (reemplazo completo).
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dropDatabas3/hellojohn-jwks/internal/sink"
)

// stampKey es la metadata de usuario que guarda el stamp del snapshot.
const stampKey = "jwks-stamp"

func init() { sink.Register(driver{}) }

type driver struct{}

func (driver) Name() string { return "s3" }

func (driver) Open(_ context.Context, cfg sink.Config) (sink.Sink, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("sink/s3: bucket required")
	}
	client := awss3.NewFromConfig(cfg.AWS, func(o *awss3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return New(client, cfg.Bucket), nil
}

// API es el subconjunto del cliente S3 que usa la sink.
type API interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	PutBucketPolicy(ctx context.Context, in *awss3.PutBucketPolicyInput, optFns ...func(*awss3.Options)) (*awss3.PutBucketPolicyOutput, error)
	PutPublicAccessBlock(ctx context.Context, in *awss3.PutPublicAccessBlockInput, optFns ...func(*awss3.Options)) (*awss3.PutPublicAccessBlockOutput, error)
}

// Sink publica en un bucket.
type Sink struct {
	api    API
	bucket string
}

func New(api API, bucket string) *Sink { return &Sink{api: api, bucket: bucket} }

func (s *Sink) Put(ctx context.Context, obj sink.Object) error {
	in := &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(obj.Path)),
		Body:        bytes.NewReader(obj.Body),
		ContentType: aws.String(obj.ContentType),
	}
	if obj.CacheControl != "" {
		in.CacheControl = aws.String(obj.CacheControl)
	}
	if obj.Stamp != 0 {
		in.Metadata = map[string]string{stampKey: strconv.FormatInt(obj.Stamp, 10)}
	}
	if _, err := s.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("sink/s3: put s3://%s/%s: %w", s.bucket, objectKey(obj.Path), err)
	}
	return nil
}

// PutIfNewer compara contra el stamp del objeto actual (HeadObject) y escribe
// solo si es más nuevo.
// TODO: pasar a PutObject con If-Match sobre el ETag leído para cerrar la
// ventana entre Head y Put cuando se actualice service/s3.
func (s *Sink) PutIfNewer(ctx context.Context, obj sink.Object) error {
	head, err := s.api.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(obj.Path)),
	})
	switch {
	case err == nil:
		if cur := parseStamp(head.Metadata); cur >= obj.Stamp {
			return sink.ErrStale
		}
	case isNotFound(err):
	default:
		return fmt.Errorf("sink/s3: head s3://%s/%s: %w", s.bucket, objectKey(obj.Path), err)
	}
	return s.Put(ctx, obj)
}

func (s *Sink) Get(ctx context.Context, path string) (sink.Object, error) {
	out, err := s.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return sink.Object{}, sink.ErrNotFound
		}
		return sink.Object{}, fmt.Errorf("sink/s3: get s3://%s/%s: %w", s.bucket, objectKey(path), err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return sink.Object{}, fmt.Errorf("sink/s3: read body: %w", err)
	}
	return sink.Object{
		Path:         path,
		Body:         body,
		ContentType:  aws.ToString(out.ContentType),
		CacheControl: aws.ToString(out.CacheControl),
		Stamp:        parseStamp(out.Metadata),
	}, nil
}

func (s *Sink) Close() error { return nil }

// ConfigurePublicRead deja el bucket con ACLs bloqueadas y una bucket policy
// que permite s3:GetObject sobre exactamente un objeto (sin listado ni
// escritura pública).
func (s *Sink) ConfigurePublicRead(ctx context.Context, path string) error {
	_, err := s.api.PutPublicAccessBlock(ctx, &awss3.PutPublicAccessBlockInput{
		Bucket: aws.String(s.bucket),
		PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(false),
			RestrictPublicBuckets: aws.Bool(false),
		},
	})
	if err != nil {
		return fmt.Errorf("sink/s3: public access block: %w", err)
	}
	policy, err := PublicReadPolicy(s.bucket, path)
	if err != nil {
		return err
	}
	if _, err := s.api.PutBucketPolicy(ctx, &awss3.PutBucketPolicyInput{
		Bucket: aws.String(s.bucket),
		Policy: aws.String(policy),
	}); err != nil {
		return fmt.Errorf("sink/s3: bucket policy: %w", err)
	}
	return nil
}

type policyStatement struct {
	Effect    string `json:"Effect"`
	Principal string `json:"Principal"`
	Action    string `json:"Action"`
	Resource  string `json:"Resource"`
}

type policyDoc struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// PublicReadPolicy arma la bucket policy de lectura pública de un solo objeto.
func PublicReadPolicy(bucket, path string) (string, error) {
	b, err := json.Marshal(policyDoc{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: "*",
			Action:    "s3:GetObject",
			Resource:  fmt.Sprintf("arn:aws:s3:::%s/%s", bucket, objectKey(path)),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("sink/s3: policy: %w", err)
	}
	return string(b), nil
}

// PublicURL es la URI del JWKS: dominio propio si se configuró, si no la URL
// virtual-hosted del bucket.
func PublicURL(bucket, path, customDomain string) string {
	key := objectKey(path)
	if d := strings.TrimSpace(customDomain); d != "" {
		return "https://" + strings.TrimSuffix(d, "/") + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", bucket, key)
}

func objectKey(path string) string { return strings.TrimPrefix(path, "/") }

func parseStamp(md map[string]string) int64 {
	for k, v := range md {
		if strings.EqualFold(k, stampKey) {
			n, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// Package dynamodb implementa el Key Record Store sobre una tabla DynamoDB
// (global table): hash key "pk" = kid, TTL sobre "delete_at" y stream
// KEYS_ONLY que alimenta el feed dynamodb-streams.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojohn-jwks/internal/jwks"
	"github.com/dropDatabas3/hellojohn-jwks/internal/metrics"
	"github.com/dropDatabas3/hellojohn-jwks/internal/observability/logger"
	"github.com/dropDatabas3/hellojohn-jwks/internal/store"
)

func init() { store.Register(driver{}) }

type driver struct{}

func (driver) Name() string { return "dynamodb" }

func (driver) Open(_ context.Context, cfg store.Config) (store.Store, error) {
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, errors.New("store/dynamodb: table required")
	}
	return New(ddb.NewFromConfig(cfg.AWS), cfg.Table, cfg.ClockOrWall()), nil
}

// API es el subconjunto del cliente DynamoDB que usa el store.
type API interface {
	Scan(ctx context.Context, in *ddb.ScanInput, optFns ...func(*ddb.Options)) (*ddb.ScanOutput, error)
	PutItem(ctx context.Context, in *ddb.PutItemInput, optFns ...func(*ddb.Options)) (*ddb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *ddb.DeleteItemInput, optFns ...func(*ddb.Options)) (*ddb.DeleteItemOutput, error)
}

// item es la forma persistida de un Record.
type item struct {
	PK        string  `dynamodbav:"pk"`
	KID       string  `dynamodbav:"kid"`
	Kty       string  `dynamodbav:"kty"`
	Crv       string  `dynamodbav:"crv"`
	X         string  `dynamodbav:"x"`
	Y         string  `dynamodbav:"y"`
	D         string  `dynamodbav:"d,omitempty"`
	Use       string  `dynamodbav:"use"`
	Alg       string  `dynamodbav:"alg"`
	ExpiresAt flexInt `dynamodbav:"expires_at"` // unix ms
	DeleteAt  flexInt `dynamodbav:"delete_at"`  // unix s (atributo TTL)
	CreatedAt flexInt `dynamodbav:"created_at"` // unix ms
}

// flexInt se escribe como N pero se lee de N o de S: el lado emisor
// histórico guarda los timestamps como string de milisegundos.
type flexInt int64

func (v flexInt) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(v), 10)}, nil
}

func (v *flexInt) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	var raw string
	switch t := av.(type) {
	case *types.AttributeValueMemberN:
		raw = t.Value
	case *types.AttributeValueMemberS:
		raw = strings.TrimSpace(t.Value)
	case *types.AttributeValueMemberNULL, nil:
		*v = 0
		return nil
	default:
		return fmt.Errorf("unsupported attribute type %T for timestamp", av)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	*v = flexInt(n)
	return nil
}

func toItem(r jwks.Record) item {
	return item{
		PK:        r.KID,
		KID:       r.KID,
		Kty:       r.KeyType,
		Crv:       r.Curve,
		X:         r.X,
		Y:         r.Y,
		D:         r.D,
		Use:       r.Use,
		Alg:       r.Algorithm,
		ExpiresAt: flexInt(r.ExpiresAt.UnixMilli()),
		DeleteAt:  flexInt(r.ExpiresAt.Unix()),
		CreatedAt: flexInt(r.CreatedAt.UnixMilli()),
	}
}

func (it item) record() jwks.Record {
	kid := it.KID
	if kid == "" {
		kid = it.PK
	}
	return jwks.Record{
		KID:       kid,
		KeyType:   it.Kty,
		Curve:     it.Crv,
		X:         it.X,
		Y:         it.Y,
		D:         it.D,
		Use:       it.Use,
		Algorithm: it.Alg,
		ExpiresAt: time.UnixMilli(int64(it.ExpiresAt)).UTC(),
		CreatedAt: time.UnixMilli(int64(it.CreatedAt)).UTC(),
	}
}

// Store es el Key Record Store sobre DynamoDB.
type Store struct {
	api   API
	table string
	clock clock.Clock
	log   *zap.Logger
}

func New(api API, table string, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{api: api, table: table, clock: clk, log: logger.Named("store.dynamodb")}
}

func (s *Store) Put(ctx context.Context, rec jwks.Record) error {
	now := s.clock.Now()
	if err := store.CheckPut(rec, now); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	av, err := attributevalue.MarshalMap(toItem(rec))
	if err != nil {
		return fmt.Errorf("store/dynamodb: marshal: %w", err)
	}
	_, err = s.api.PutItem(ctx, &ddb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
		// Un kid vencido que el TTL aún no borró puede reemplazarse. N y S no
		// se comparan entre sí, por eso la condición va contra ambos tipos.
		ConditionExpression: aws.String("attribute_not_exists(pk) OR expires_at <= :now OR expires_at <= :nows"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			":nows": &types.AttributeValueMemberS{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return store.ErrConflict
		}
		return mapErr("put", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, kid string) error {
	_, err := s.api.DeleteItem(ctx, &ddb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: kid}},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return store.ErrNotFound
		}
		return mapErr("delete", err)
	}
	return nil
}

// ListActive hace un Scan paginado filtrando use=sig en el servidor y
// expires_at > now acá: expires_at puede venir como N o como S y DynamoDB
// no compara tipos distintos. "use" es palabra reservada, de ahí #use.
func (s *Store) ListActive(ctx context.Context, now time.Time) ([]jwks.Record, error) {
	in := &ddb.ScanInput{
		TableName:                aws.String(s.table),
		ConsistentRead:           aws.Bool(true),
		FilterExpression:         aws.String("#use = :sig"),
		ExpressionAttributeNames: map[string]string{"#use": "use"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sig": &types.AttributeValueMemberS{Value: jwks.UseSig},
		},
	}

	var out []jwks.Record
	p := ddb.NewScanPaginator(s.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, mapErr("scan", err)
		}
		for _, raw := range page.Items {
			var it item
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				metrics.RecordsDropped.WithLabelValues("decode").Inc()
				s.log.Warn("skipping undecodable item", logger.KID(pkOf(raw)), logger.Err(err))
				continue
			}
			rec := it.record()
			if !rec.ExpiresAt.After(now) {
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

func mapErr(op string, err error) error {
	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return fmt.Errorf("%w: %s: %v", store.ErrNotProvisioned, op, err)
	}
	return fmt.Errorf("store/dynamodb: %s: %w", op, err)
}

func pkOf(raw map[string]types.AttributeValue) string {
	if v, ok := raw["pk"].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

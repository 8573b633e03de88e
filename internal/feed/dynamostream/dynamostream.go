// Package dynamostream consume el stream KEYS_ONLY de la tabla de claves
// (DynamoDB Streams). Cada shard es una partición: un lote en vuelo por
// shard, checkpoint en memoria por secuencia confirmada y rebobinado en Nack.
package dynamostream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojohn-jwks/internal/feed"
	"github.com/dropDatabas3/hellojohn-jwks/internal/observability/logger"
)

// KeyAttribute es el hash key de la tabla (el kid).
const KeyAttribute = "pk"

const shardRefreshInterval = 30 * time.Second

func init() { feed.Register(driver{}) }

type driver struct{}

func (driver) Name() string { return "dynamodb-streams" }

func (driver) Open(ctx context.Context, cfg feed.Config) (feed.Feed, error) {
	arn := cfg.StreamARN
	if arn == "" {
		if cfg.Table == "" {
			return nil, errors.New("feed/dynamostream: stream ARN or table required")
		}
		out, err := dynamodb.NewFromConfig(cfg.AWS).DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(cfg.Table)})
		if err != nil {
			return nil, fmt.Errorf("feed/dynamostream: describe table: %w", err)
		}
		if out.Table == nil || aws.ToString(out.Table.LatestStreamArn) == "" {
			return nil, fmt.Errorf("feed/dynamostream: table %q has no stream enabled", cfg.Table)
		}
		arn = aws.ToString(out.Table.LatestStreamArn)
	}
	return New(dynamodbstreams.NewFromConfig(cfg.AWS), arn, Options{
		BatchSize:     cfg.BatchSize,
		PollInterval:  cfg.PollInterval,
		StartPosition: cfg.StartPosition,
		Clock:         cfg.ClockOrWall(),
	}), nil
}

// API es el subconjunto de dynamodbstreams.Client que usa el feed.
type API interface {
	DescribeStream(ctx context.Context, in *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, in *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// Options del feed.
type Options struct {
	BatchSize     int
	PollInterval  time.Duration
	StartPosition string // feed.StartTrimHorizon (default) | feed.StartLatest
	Clock         clock.Clock
}

// position es desde dónde pedir el próximo iterador.
type position struct {
	typ types.ShardIteratorType
	seq string
}

type shard struct {
	id       string
	parent   string
	pos      position
	iterator string
	inflight bool
	ended    bool
}

// Feed lee todos los shards del stream.
type Feed struct {
	api   API
	arn   string
	opts  Options
	clock clock.Clock
	log   *zap.Logger
	start types.ShardIteratorType

	mu          sync.Mutex
	shards      map[string]*shard
	order       []string
	next        int
	discovered  bool
	lastRefresh time.Time
	closed      bool
}

// New crea el feed sobre un stream ARN.
func New(api API, streamARN string, opts Options) *Feed {
	if opts.BatchSize <= 0 || opts.BatchSize > 1000 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	start := types.ShardIteratorTypeTrimHorizon
	if opts.StartPosition == feed.StartLatest {
		start = types.ShardIteratorTypeLatest
	}
	return &Feed{
		api:    api,
		arn:    streamARN,
		opts:   opts,
		clock:  opts.Clock,
		log:    logger.Named("feed.dynamostream"),
		start:  start,
		shards: make(map[string]*shard),
	}
}

// Next bloquea hasta que algún shard libre tenga registros.
func (f *Feed) Next(ctx context.Context) (*feed.Batch, error) {
	for {
		f.mu.Lock()
		closed := f.closed
		refresh := !f.discovered || f.clock.Now().Sub(f.lastRefresh) >= shardRefreshInterval
		f.mu.Unlock()
		if closed {
			return nil, feed.ErrClosed
		}
		if refresh {
			if err := f.refreshShards(ctx); err != nil {
				return nil, err
			}
		}

		b, err := f.poll(ctx)
		if b != nil || err != nil {
			return b, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.clock.After(f.opts.PollInterval):
		}
	}
}

// Close marca el feed como cerrado.
func (f *Feed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// refreshShards incorpora shards nuevos. Los del primer descubrimiento
// arrancan en StartPosition; los posteriores (hijos de un split) desde el
// principio para no perder eventos.
func (f *Feed) refreshShards(ctx context.Context) error {
	var found []types.Shard
	var startID *string
	for {
		out, err := f.api.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(f.arn),
			ExclusiveStartShardId: startID,
		})
		if err != nil {
			return fmt.Errorf("feed/dynamostream: describe stream: %w", err)
		}
		if out.StreamDescription == nil {
			break
		}
		found = append(found, out.StreamDescription.Shards...)
		startID = out.StreamDescription.LastEvaluatedShardId
		if startID == nil {
			break
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	initial := !f.discovered
	for _, s := range found {
		id := aws.ToString(s.ShardId)
		if id == "" {
			continue
		}
		if _, ok := f.shards[id]; ok {
			continue
		}
		typ := types.ShardIteratorTypeTrimHorizon
		if initial {
			typ = f.start
		}
		f.shards[id] = &shard{id: id, parent: aws.ToString(s.ParentShardId), pos: position{typ: typ}}
		f.order = append(f.order, id)
		f.log.Debug("shard discovered", logger.Partition(id))
	}
	sort.Strings(f.order)
	f.discovered = true
	f.lastRefresh = f.clock.Now()
	return nil
}

// poll recorre los shards disponibles una vez y devuelve el primer lote.
func (f *Feed) poll(ctx context.Context) (*feed.Batch, error) {
	f.mu.Lock()
	n := len(f.order)
	f.mu.Unlock()

	for i := 0; i < n; i++ {
		s := f.claim()
		if s == nil {
			return nil, nil
		}
		b, err := f.fetch(ctx, s)
		if err != nil {
			f.release(s)
			return nil, err
		}
		if b != nil {
			return b, nil
		}
		f.release(s)
	}
	return nil, nil
}

// claim toma el próximo shard libre en round-robin. Un hijo espera a que su
// padre termine para respetar el orden por kid.
func (f *Feed) claim() *shard {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < len(f.order); i++ {
		idx := (f.next + i) % len(f.order)
		s := f.shards[f.order[idx]]
		if s.inflight || s.ended {
			continue
		}
		if p, ok := f.shards[s.parent]; ok && !p.ended {
			continue
		}
		f.next = (idx + 1) % len(f.order)
		s.inflight = true
		return s
	}
	return nil
}

func (f *Feed) release(s *shard) {
	f.mu.Lock()
	s.inflight = false
	f.mu.Unlock()
}

// fetch lee un lote de s. Con registros devuelve el lote con s todavía en
// vuelo; sin registros avanza el iterador y devuelve nil.
func (f *Feed) fetch(ctx context.Context, s *shard) (*feed.Batch, error) {
	// s.inflight: solo este goroutine toca pos/iterator hasta el release/settle.
	if s.iterator == "" {
		in := &dynamodbstreams.GetShardIteratorInput{
			StreamArn:         aws.String(f.arn),
			ShardId:           aws.String(s.id),
			ShardIteratorType: s.pos.typ,
		}
		if s.pos.seq != "" {
			in.SequenceNumber = aws.String(s.pos.seq)
		}
		out, err := f.api.GetShardIterator(ctx, in)
		if err != nil {
			var trimmed *types.TrimmedDataAccessException
			if errors.As(err, &trimmed) {
				f.log.Warn("checkpoint trimmed, restarting shard from trim horizon", logger.Partition(s.id))
				s.pos = position{typ: types.ShardIteratorTypeTrimHorizon}
			}
			return nil, fmt.Errorf("feed/dynamostream: shard iterator %s: %w", s.id, err)
		}
		s.iterator = aws.ToString(out.ShardIterator)
		if s.iterator == "" {
			f.markEnded(s)
			return nil, nil
		}
	}

	out, err := f.api.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
		ShardIterator: aws.String(s.iterator),
		Limit:         aws.Int32(int32(f.opts.BatchSize)),
	})
	if err != nil {
		var expired *types.ExpiredIteratorException
		if errors.As(err, &expired) {
			s.iterator = ""
			return nil, nil
		}
		return nil, fmt.Errorf("feed/dynamostream: get records %s: %w", s.id, err)
	}

	nextIter := aws.ToString(out.NextShardIterator)
	if len(out.Records) == 0 {
		s.iterator = nextIter
		if nextIter == "" {
			f.markEnded(s)
		}
		return nil, nil
	}

	events := make([]feed.Event, 0, len(out.Records))
	var first, last string
	for _, r := range out.Records {
		if r.Dynamodb == nil {
			continue
		}
		seq := aws.ToString(r.Dynamodb.SequenceNumber)
		if first == "" {
			first = seq
		}
		last = seq
		ev, ok := toEvent(r)
		if !ok {
			f.log.Warn("stream record without key, skipping", logger.Partition(s.id), logger.Sequence(seq))
			continue
		}
		ev.Partition = s.id
		events = append(events, ev)
	}

	ack := func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if last != "" {
			s.pos = position{typ: types.ShardIteratorTypeAfterSequenceNumber, seq: last}
		}
		s.iterator = nextIter
		if nextIter == "" {
			s.ended = true
		}
		s.inflight = false
		return nil
	}
	nack := func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if first != "" {
			s.pos = position{typ: types.ShardIteratorTypeAtSequenceNumber, seq: first}
		}
		s.iterator = ""
		s.inflight = false
		return nil
	}
	return feed.NewBatch(s.id, events, ack, nack), nil
}

func (f *Feed) markEnded(s *shard) {
	f.mu.Lock()
	s.ended = true
	f.mu.Unlock()
	f.log.Debug("shard ended", logger.Partition(s.id))
}

func toEvent(r types.Record) (feed.Event, bool) {
	if r.Dynamodb == nil {
		return feed.Event{}, false
	}
	pk, ok := r.Dynamodb.Keys[KeyAttribute].(*types.AttributeValueMemberS)
	if !ok || pk.Value == "" {
		return feed.Event{}, false
	}
	ev := feed.Event{KeyID: pk.Value, Sequence: aws.ToString(r.Dynamodb.SequenceNumber)}
	switch r.EventName {
	case types.OperationTypeInsert:
		ev.Kind = feed.Inserted
	case types.OperationTypeModify:
		ev.Kind = feed.Modified
	case types.OperationTypeRemove:
		ev.Kind = feed.Removed
	default:
		ev.Kind = feed.Modified
	}
	return ev, true
}

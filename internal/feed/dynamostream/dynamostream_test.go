package dynamostream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/hellojohn-jwks/internal/feed"
)

// fakeStreams simula shards como slices; el iterador es "shard|índice".
type fakeStreams struct {
	mu      sync.Mutex
	order   []string
	parents map[string]string
	records map[string][]types.Record
	closed  map[string]bool
}

func newFake() *fakeStreams {
	return &fakeStreams{parents: map[string]string{}, records: map[string][]types.Record{}, closed: map[string]bool{}}
}

func (f *fakeStreams) addShard(id, parent string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, id)
	f.parents[id] = parent
}

func (f *fakeStreams) add(shardID string, kind types.OperationType, kid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := fmt.Sprintf("%s-%03d", shardID, len(f.records[shardID])+1)
	f.records[shardID] = append(f.records[shardID], types.Record{
		EventName: kind,
		Dynamodb: &types.StreamRecord{
			Keys:           map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: kid}},
			SequenceNumber: aws.String(seq),
		},
	})
}

func (f *fakeStreams) DescribeStream(_ context.Context, _ *dynamodbstreams.DescribeStreamInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var shards []types.Shard
	for _, id := range f.order {
		s := types.Shard{ShardId: aws.String(id)}
		if p := f.parents[id]; p != "" {
			s.ParentShardId = aws.String(p)
		}
		shards = append(shards, s)
	}
	return &dynamodbstreams.DescribeStreamOutput{StreamDescription: &types.StreamDescription{Shards: shards}}, nil
}

func (f *fakeStreams) index(shardID, seq string) int {
	for i, r := range f.records[shardID] {
		if aws.ToString(r.Dynamodb.SequenceNumber) == seq {
			return i
		}
	}
	return -1
}

func (f *fakeStreams) GetShardIterator(_ context.Context, in *dynamodbstreams.GetShardIteratorInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.ShardId)
	var idx int
	switch in.ShardIteratorType {
	case types.ShardIteratorTypeTrimHorizon:
		idx = 0
	case types.ShardIteratorTypeLatest:
		idx = len(f.records[id])
	case types.ShardIteratorTypeAfterSequenceNumber:
		idx = f.index(id, aws.ToString(in.SequenceNumber)) + 1
	case types.ShardIteratorTypeAtSequenceNumber:
		idx = f.index(id, aws.ToString(in.SequenceNumber))
	}
	return &dynamodbstreams.GetShardIteratorOutput{ShardIterator: aws.String(id + "|" + strconv.Itoa(idx))}, nil
}

func (f *fakeStreams) GetRecords(_ context.Context, in *dynamodbstreams.GetRecordsInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(aws.ToString(in.ShardIterator), "|", 2)
	id := parts[0]
	idx, _ := strconv.Atoi(parts[1])
	all := f.records[id]
	end := idx + int(aws.ToInt32(in.Limit))
	if end > len(all) {
		end = len(all)
	}
	out := &dynamodbstreams.GetRecordsOutput{Records: append([]types.Record(nil), all[idx:end]...)}
	if !(f.closed[id] && end >= len(all)) {
		out.NextShardIterator = aws.String(id + "|" + strconv.Itoa(end))
	}
	return out, nil
}

func kids(b *feed.Batch) []string {
	out := make([]string, 0, len(b.Events))
	for _, ev := range b.Events {
		out = append(out, ev.KeyID)
	}
	return out
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNext_MapsRecordsToEvents(t *testing.T) {
	api := newFake()
	api.addShard("shard-1", "")
	api.add("shard-1", types.OperationTypeInsert, "A")
	api.add("shard-1", types.OperationTypeModify, "B")
	api.add("shard-1", types.OperationTypeRemove, "A")

	f := New(api, "arn:stream", Options{BatchSize: 10, PollInterval: 5 * time.Millisecond})
	b, err := f.Next(ctxT(t))
	require.NoError(t, err)
	require.Equal(t, "shard-1", b.Partition)
	require.Equal(t, []feed.Event{
		{KeyID: "A", Kind: feed.Inserted, Sequence: "shard-1-001", Partition: "shard-1"},
		{KeyID: "B", Kind: feed.Modified, Sequence: "shard-1-002", Partition: "shard-1"},
		{KeyID: "A", Kind: feed.Removed, Sequence: "shard-1-003", Partition: "shard-1"},
	}, b.Events)
}

func TestNack_RedeliversSameRecords(t *testing.T) {
	api := newFake()
	api.addShard("shard-1", "")
	api.add("shard-1", types.OperationTypeInsert, "A")
	api.add("shard-1", types.OperationTypeInsert, "B")

	f := New(api, "arn:stream", Options{BatchSize: 10, PollInterval: 5 * time.Millisecond})
	ctx := ctxT(t)

	b1, err := f.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, b1.Nack(ctx))

	b2, err := f.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, kids(b1), kids(b2))
	require.NoError(t, b2.Ack(ctx))

	api.add("shard-1", types.OperationTypeRemove, "A")
	b3, err := f.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, kids(b3))
	require.Equal(t, feed.Removed, b3.Events[0].Kind)
}

func TestOneInflightBatchPerShard(t *testing.T) {
	api := newFake()
	api.addShard("shard-1", "")
	api.add("shard-1", types.OperationTypeInsert, "A")
	api.add("shard-1", types.OperationTypeInsert, "B")

	f := New(api, "arn:stream", Options{BatchSize: 1, PollInterval: 5 * time.Millisecond})
	b1, err := f.Next(ctxT(t))
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, kids(b1))

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Next(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, b1.Ack(context.Background()))
	b2, err := f.Next(ctxT(t))
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, kids(b2))
}

func TestStartLatestSkipsBacklog(t *testing.T) {
	api := newFake()
	api.addShard("shard-1", "")
	api.add("shard-1", types.OperationTypeInsert, "OLD")

	f := New(api, "arn:stream", Options{BatchSize: 10, PollInterval: 5 * time.Millisecond, StartPosition: feed.StartLatest})
	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.Next(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	api.add("shard-1", types.OperationTypeInsert, "NEW")
	b, err := f.Next(ctxT(t))
	require.NoError(t, err)
	require.Equal(t, []string{"NEW"}, kids(b))
}

func TestChildShardWaitsForParent(t *testing.T) {
	api := newFake()
	api.addShard("shard-1", "")
	api.addShard("shard-2", "shard-1")
	api.add("shard-1", types.OperationTypeInsert, "A")
	api.add("shard-2", types.OperationTypeRemove, "A")
	api.closed["shard-1"] = true

	f := New(api, "arn:stream", Options{BatchSize: 10, PollInterval: 5 * time.Millisecond})
	ctx := ctxT(t)

	b1, err := f.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "shard-1", b1.Partition)
	require.NoError(t, b1.Ack(ctx))

	b2, err := f.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "shard-2", b2.Partition)
	require.Equal(t, feed.Removed, b2.Events[0].Kind)
}

func TestClose(t *testing.T) {
	f := New(newFake(), "arn:stream", Options{})
	require.NoError(t, f.Close())
	_, err := f.Next(context.Background())
	require.ErrorIs(t, err, feed.ErrClosed)
}

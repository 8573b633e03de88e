package secretsmanager

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sm "github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/hellojohn-jwks/internal/privkeys"
)

type fakeSM struct {
	create  *sm.CreateSecretInput
	del     *sm.DeleteSecretInput
	restore *sm.RestoreSecretInput
	err     error
}

func (f *fakeSM) CreateSecret(_ context.Context, in *sm.CreateSecretInput, _ ...func(*sm.Options)) (*sm.CreateSecretOutput, error) {
	f.create = in
	if f.err != nil {
		return nil, f.err
	}
	return &sm.CreateSecretOutput{
		Name:      in.Name,
		ARN:       aws.String("arn:aws:secretsmanager:us-east-1:123456789012:secret:" + aws.ToString(in.Name)),
		VersionId: aws.String("v1"),
	}, nil
}

func (f *fakeSM) DeleteSecret(_ context.Context, in *sm.DeleteSecretInput, _ ...func(*sm.Options)) (*sm.DeleteSecretOutput, error) {
	f.del = in
	return &sm.DeleteSecretOutput{}, f.err
}

func (f *fakeSM) RestoreSecret(_ context.Context, in *sm.RestoreSecretInput, _ ...func(*sm.Options)) (*sm.RestoreSecretOutput, error) {
	f.restore = in
	return &sm.RestoreSecretOutput{}, f.err
}

func TestProvision_BuildsRequest(t *testing.T) {
	api := &fakeSM{}
	s := New(api, Options{Prefix: "prod", RecoveryWindowDays: 7, ReplicaRegions: []string{"eu-west-1", "sa-east-1"}})

	h, err := s.Provision(context.Background(), "access-token", "Secret for the access token private key")
	require.NoError(t, err)
	require.Equal(t, "prod-access-token", h.Name)
	require.Contains(t, h.ARN, "prod-access-token")
	require.Equal(t, "v1", h.VersionID)

	require.Equal(t, "prod-access-token", aws.ToString(api.create.Name))
	require.Equal(t, "Secret for the access token private key", aws.ToString(api.create.Description))
	require.True(t, api.create.ForceOverwriteReplicaSecret)
	require.Len(t, api.create.AddReplicaRegions, 2)
	require.Equal(t, "sa-east-1", aws.ToString(api.create.AddReplicaRegions[1].Region))
	require.Nil(t, api.create.SecretString)
}

func TestProvision_Exists(t *testing.T) {
	s := New(&fakeSM{err: &types.ResourceExistsException{Message: aws.String("exists")}}, Options{})
	_, err := s.Provision(context.Background(), "k", "")
	require.ErrorIs(t, err, privkeys.ErrExists)
}

func TestRetire_UsesRecoveryWindow(t *testing.T) {
	api := &fakeSM{}
	require.NoError(t, New(api, Options{Prefix: "p", RecoveryWindowDays: 10}).Retire(context.Background(), "k"))
	require.Equal(t, "p-k", aws.ToString(api.del.SecretId))
	require.EqualValues(t, 10, aws.ToInt64(api.del.RecoveryWindowInDays))
	require.Nil(t, api.del.ForceDeleteWithoutRecovery)
}

func TestRetire_DefaultWindowAndAlreadyScheduled(t *testing.T) {
	api := &fakeSM{err: &types.InvalidRequestException{Message: aws.String("marked for deletion")}}
	require.NoError(t, New(api, Options{}).Retire(context.Background(), "k"))
	require.EqualValues(t, 30, aws.ToInt64(api.del.RecoveryWindowInDays))
}

func TestRestore_NotFound(t *testing.T) {
	api := &fakeSM{err: &types.ResourceNotFoundException{Message: aws.String("gone")}}
	err := New(api, Options{}).Restore(context.Background(), "k")
	require.ErrorIs(t, err, privkeys.ErrNotFound)
	require.Equal(t, "k", aws.ToString(api.restore.SecretId))
}

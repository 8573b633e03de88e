// Package secretsmanager implementa privkeys.Store sobre AWS Secrets Manager.
// El secreto se crea vacío: el material lo escribe el proceso de emisión.
package secretsmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	sm "github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojohn-jwks/internal/observability/logger"
	"github.com/dropDatabas3/hellojohn-jwks/internal/privkeys"
)

// API subconjunto de *secretsmanager.Client.
type API interface {
	CreateSecret(ctx context.Context, in *sm.CreateSecretInput, optFns ...func(*sm.Options)) (*sm.CreateSecretOutput, error)
	DeleteSecret(ctx context.Context, in *sm.DeleteSecretInput, optFns ...func(*sm.Options)) (*sm.DeleteSecretOutput, error)
	RestoreSecret(ctx context.Context, in *sm.RestoreSecretInput, optFns ...func(*sm.Options)) (*sm.RestoreSecretOutput, error)
}

// Options del store.
type Options struct {
	Prefix             string
	RecoveryWindowDays int64
	ReplicaRegions     []string
	KMSKeyID           string
}

// Store privkeys sobre Secrets Manager.
type Store struct {
	api  API
	opts Options
	log  *zap.Logger
}

// NewFromConfig crea el cliente con la config AWS compartida.
func NewFromConfig(cfg aws.Config, opts Options) *Store {
	return New(sm.NewFromConfig(cfg), opts)
}

// New crea el store sobre un cliente ya construido.
func New(api API, opts Options) *Store {
	if opts.RecoveryWindowDays == 0 {
		opts.RecoveryWindowDays = privkeys.RecoveryDays(0)
	}
	return &Store{api: api, opts: opts, log: logger.Named("privkeys.secretsmanager")}
}

func (s *Store) Provision(ctx context.Context, name, description string) (privkeys.Handle, error) {
	full, err := privkeys.SecretName(s.opts.Prefix, name)
	if err != nil {
		return privkeys.Handle{}, err
	}
	in := &sm.CreateSecretInput{
		Name:                        aws.String(full),
		ForceOverwriteReplicaSecret: true,
	}
	if description != "" {
		in.Description = aws.String(description)
	}
	if s.opts.KMSKeyID != "" {
		in.KmsKeyId = aws.String(s.opts.KMSKeyID)
	}
	for _, region := range s.opts.ReplicaRegions {
		in.AddReplicaRegions = append(in.AddReplicaRegions, types.ReplicaRegionType{Region: aws.String(region)})
	}

	out, err := s.api.CreateSecret(ctx, in)
	if err != nil {
		return privkeys.Handle{}, mapErr("provision", full, err)
	}
	s.log.Info("secret provisioned", zap.String("name", full), logger.Count(len(s.opts.ReplicaRegions)))
	return privkeys.Handle{
		Name:      aws.ToString(out.Name),
		ARN:       aws.ToString(out.ARN),
		VersionID: aws.ToString(out.VersionId),
	}, nil
}

// Retire programa el borrado con la ventana de recuperación. Retirar un
// secreto ya programado no es error.
func (s *Store) Retire(ctx context.Context, name string) error {
	full, err := privkeys.SecretName(s.opts.Prefix, name)
	if err != nil {
		return err
	}
	_, err = s.api.DeleteSecret(ctx, &sm.DeleteSecretInput{
		SecretId:             aws.String(full),
		RecoveryWindowInDays: aws.Int64(s.opts.RecoveryWindowDays),
	})
	var invalid *types.InvalidRequestException
	if errors.As(err, &invalid) {
		s.log.Debug("secret already scheduled for deletion", zap.String("name", full))
		return nil
	}
	if err != nil {
		return mapErr("retire", full, err)
	}
	s.log.Info("secret scheduled for deletion", zap.String("name", full), zap.Int64("recovery_days", s.opts.RecoveryWindowDays))
	return nil
}

func (s *Store) Restore(ctx context.Context, name string) error {
	full, err := privkeys.SecretName(s.opts.Prefix, name)
	if err != nil {
		return err
	}
	if _, err := s.api.RestoreSecret(ctx, &sm.RestoreSecretInput{SecretId: aws.String(full)}); err != nil {
		return mapErr("restore", full, err)
	}
	s.log.Info("secret restored", zap.String("name", full))
	return nil
}

func mapErr(op, name string, err error) error {
	var (
		exists   *types.ResourceExistsException
		notFound *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &exists):
		return fmt.Errorf("%w: %s", privkeys.ErrExists, name)
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %s", privkeys.ErrNotFound, name)
	}
	return fmt.Errorf("privkeys/secretsmanager: %s %s: %w", op, name, err)
}

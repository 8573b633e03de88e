package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/hellojohn-jwks/internal/config"
	"github.com/dropDatabas3/hellojohn-jwks/internal/privkeys"
	"github.com/dropDatabas3/hellojohn-jwks/internal/privkeys/secretsmanager"
)

func newSecretsCmd(getCfg func() *config.Config, getOut func() string) *cobra.Command {
	var name string
	secretsCmd := &cobra.Command{
		Use:   "secrets",
		Short: "Almacén de claves privadas (Secrets Manager)",
	}
	secretsCmd.PersistentFlags().StringVar(&name, "name", "", "nombre lógico del secreto (se antepone secrets.prefix)")

	build := func(cmd *cobra.Command) (privkeys.Store, error) {
		if name == "" {
			return nil, errors.New("--name es requerido")
		}
		cfg := getCfg()
		awsCfg, err := loadAWS(cmd.Context(), cfg)
		if err != nil {
			return nil, err
		}
		return secretsmanager.NewFromConfig(awsCfg, secretsmanager.Options{
			Prefix:             cfg.Secrets.Prefix,
			RecoveryWindowDays: cfg.Secrets.RecoveryWindowDays,
			ReplicaRegions:     cfg.Secrets.ReplicaRegions,
			KMSKeyID:           cfg.Secrets.KMSKeyID,
		}), nil
	}

	var description string
	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Crea el secreto vacío (con réplicas) para una clave privada",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := build(cmd)
			if err != nil {
				return err
			}
			h, err := s.Provision(cmd.Context(), name, description)
			if err != nil {
				return err
			}
			if getOut() == "json" {
				return printJSON(h)
			}
			fmt.Printf("name=%s arn=%s\n", h.Name, h.ARN)
			return nil
		},
	}
	provisionCmd.Flags().StringVar(&description, "description", "", "descripción del secreto")

	retireCmd := &cobra.Command{
		Use:   "retire",
		Short: "Programa el borrado con ventana de recuperación",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := build(cmd)
			if err != nil {
				return err
			}
			if err := s.Retire(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Printf("retired %s (recovery window %d days)\n", name, getCfg().Secrets.RecoveryWindowDays)
			return nil
		},
	}

	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Cancela un borrado programado",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := build(cmd)
			if err != nil {
				return err
			}
			if err := s.Restore(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Println("restored", name)
			return nil
		},
	}

	secretsCmd.AddCommand(provisionCmd, retireCmd, restoreCmd)
	return secretsCmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/hellojohn-jwks/internal/config"
	s3sink "github.com/dropDatabas3/hellojohn-jwks/internal/sink/s3"
)

func newSinkCmd(getCfg func() *config.Config) *cobra.Command {
	sinkCmd := &cobra.Command{
		Use:   "sink",
		Short: "Operaciones sobre la sink de publicación",
	}
	publicReadCmd := &cobra.Command{
		Use:   "configure-public-read",
		Short: "Habilita lectura pública solo para el documento (S3)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getCfg()
			ctx := cmd.Context()
			d, err := open(ctx, cfg, openOpts{sink: true})
			if err != nil {
				return err
			}
			defer d.close()
			s, ok := d.sink.(*s3sink.Sink)
			if !ok {
				return fmt.Errorf("configure-public-read requiere sink.driver=s3 (actual %q)", cfg.Sink.Driver)
			}
			if err := s.ConfigurePublicRead(ctx, cfg.Sink.Path); err != nil {
				return err
			}
			fmt.Println(s3sink.PublicURL(cfg.Sink.Bucket, cfg.Sink.Path, cfg.Sink.CustomDomain))
			return nil
		},
	}
	urlCmd := &cobra.Command{
		Use:   "url",
		Short: "Imprime el JWKS URI público",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getCfg()
			if cfg.Sink.Driver != "s3" {
				return fmt.Errorf("url requiere sink.driver=s3 (actual %q)", cfg.Sink.Driver)
			}
			fmt.Println(s3sink.PublicURL(cfg.Sink.Bucket, cfg.Sink.Path, cfg.Sink.CustomDomain))
			return nil
		},
	}
	sinkCmd.AddCommand(publicReadCmd, urlCmd)
	return sinkCmd
}

// jwksctl corre el pipeline de publicación del JWKS y expone las operaciones
// administrativas sobre el store, la sink y el almacén de claves privadas.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/hellojohn-jwks/internal/config"
	"github.com/dropDatabas3/hellojohn-jwks/internal/observability/logger"

	// drivers
	_ "github.com/dropDatabas3/hellojohn-jwks/internal/feed/dynamostream"
	_ "github.com/dropDatabas3/hellojohn-jwks/internal/feed/memory"
	_ "github.com/dropDatabas3/hellojohn-jwks/internal/feed/redisstream"
	_ "github.com/dropDatabas3/hellojohn-jwks/internal/sink/fs"
	_ "github.com/dropDatabas3/hellojohn-jwks/internal/sink/memory"
	_ "github.com/dropDatabas3/hellojohn-jwks/internal/sink/s3"
	_ "github.com/dropDatabas3/hellojohn-jwks/internal/store/dynamodb"
	_ "github.com/dropDatabas3/hellojohn-jwks/internal/store/memory"
	_ "github.com/dropDatabas3/hellojohn-jwks/internal/store/pg"
)

var version = "dev"

func main() {
	var (
		configPath string
		envOnly    bool
		out        = envOr("JWKSCTL_OUT", "text")
		cfg        *config.Config
	)

	root := &cobra.Command{
		Use:           "jwksctl",
		Short:         "Publicación del JWKS a partir del store de claves",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if envOnly || configPath == "" {
				cfg = config.FromEnv()
			} else {
				if cfg, err = config.Load(configPath); err != nil {
					return fmt.Errorf("config: %w", err)
				}
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config inválida: %w", err)
			}
			logger.Init(logger.Config{
				Env:         cfg.App.Env,
				Level:       cfg.Log.Level,
				ServiceName: "jwksctl",
				Version:     version,
			})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "ruta a config.yaml (env CONFIG_PATH)")
	root.PersistentFlags().BoolVar(&envOnly, "env", false, "usar SOLO variables de entorno (y .env)")
	root.PersistentFlags().StringVar(&out, "out", out, "Formato de salida: json|text")

	getCfg := func() *config.Config { return cfg }
	getOut := func() string { return out }

	root.AddCommand(
		newRunCmd(getCfg),
		newRebuildCmd(getCfg, getOut),
		newServeCmd(getCfg),
		newKeysCmd(getCfg, getOut),
		newStoreCmd(getCfg),
		newSinkCmd(getCfg),
		newSecretsCmd(getCfg, getOut),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

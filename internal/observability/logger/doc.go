// Package logger expone un zap.Logger singleton y helpers de campos para el
// pipeline de rotación de JWKS.
//
// Inicialización (una vez en main):
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level})
//	defer logger.Sync()
//
// En componentes con contexto:
//
//	log := logger.From(ctx)
//	log.Info("jwks published", logger.Count(n), logger.Path(path))
//
// Sin contexto se usa el singleton vía logger.L() o logger.Named("rotation").
package logger

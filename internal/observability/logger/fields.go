package logger

import (
	"time"

	"go.uber.org/zap"
)

// Campos del dominio de rotación.

func KID(v string) zap.Field        { return zap.String("kid", v) }
func BatchID(v string) zap.Field    { return zap.String("batch_id", v) }
func Partition(v string) zap.Field  { return zap.String("partition", v) }
func Sequence(v string) zap.Field   { return zap.String("sequence", v) }
func ChangeKind(v string) zap.Field { return zap.String("change_kind", v) }
func Trigger(v string) zap.Field    { return zap.String("trigger", v) }
func Path(v string) zap.Field       { return zap.String("path", v) }
func Driver(v string) zap.Field     { return zap.String("driver", v) }
func Reason(v string) zap.Field     { return zap.String("reason", v) }

// Campos de sistema.

func Component(v string) zap.Field        { return zap.String("component", v) }
func Op(v string) zap.Field               { return zap.String("op", v) }
func Count(v int) zap.Field               { return zap.Int("count", v) }
func Bytes(v int) zap.Field               { return zap.Int("bytes", v) }
func Duration(v time.Duration) zap.Field  { return zap.Duration("duration", v) }
func Err(err error) zap.Field             { return zap.Error(err) }
func String(key, v string) zap.Field      { return zap.String(key, v) }
func Int64(key string, v int64) zap.Field { return zap.Int64(key, v) }

package logging

import (
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapAdapter implements Logger on top of zap
type ZapAdapter struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// ZapConfig defines Zap-specific configuration
type ZapConfig struct {
	Level      Level
	Format     string    // "json", "console"
	Output     io.Writer // defaults to stdout
	Caller     bool
	Stacktrace bool
	Fields     []Field // attached to every record, e.g. boot_id
}

// DefaultZapConfig returns the sink configuration consumed by the control
// plane's log ingestion: one JSON object per line on stdout
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  InfoLevel,
		Format: "json",
		Output: os.Stdout,
	}
}

// NewZapAdapter creates a new Zap backend adapter
func NewZapAdapter(config ZapConfig) *ZapAdapter {
	return FromZap(createZapLogger(config))
}

// FromZap wraps an existing zap logger, e.g. one built on zaptest/observer
func FromZap(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{
		logger: logger,
		sugar:  logger.Sugar(),
	}
}

// NewNopLogger returns a Logger that discards everything
func NewNopLogger() Logger {
	return FromZap(zap.NewNop())
}

func (z *ZapAdapter) Debugf(format string, args ...interface{}) {
	z.sugar.Debugf(format, args...)
}

func (z *ZapAdapter) Infof(format string, args ...interface{}) {
	z.sugar.Infof(format, args...)
}

func (z *ZapAdapter) Warnf(format string, args ...interface{}) {
	z.sugar.Warnf(format, args...)
}

func (z *ZapAdapter) Errorf(format string, args ...interface{}) {
	z.sugar.Errorf(format, args...)
}

func (z *ZapAdapter) LogWithFields(level Level, msg string, fields ...Field) {
	z.logAtLevel(level, msg, convertFields(fields)...)
}

func (z *ZapAdapter) WithFields(fields ...Field) Logger {
	return FromZap(z.logger.With(convertFields(fields)...))
}

func (z *ZapAdapter) WithError(err error) Logger {
	return z.WithFields(Error(err))
}

func (z *ZapAdapter) WithComponent(component string) Logger {
	return z.WithFields(Component(component))
}

func (z *ZapAdapter) Enabled(level Level) bool {
	return z.logger.Core().Enabled(toZapLevel(level))
}

// Sync flushes any buffered log entries
func (z *ZapAdapter) Sync() error {
	return z.logger.Sync()
}

func convertFields(fields []Field) []zap.Field {
	zapFields := make([]zap.Field, len(fields))
	for i, field := range fields {
		zapFields[i] = convertSingleField(field)
	}
	return zapFields
}

func convertSingleField(field Field) zap.Field {
	switch field.Type {
	case StringField:
		return zap.String(field.Key, field.Value.(string))
	case IntField:
		return zap.Int(field.Key, field.Value.(int))
	case Int64Field:
		return zap.Int64(field.Key, field.Value.(int64))
	case Float64Field:
		return zap.Float64(field.Key, field.Value.(float64))
	case BoolField:
		return zap.Bool(field.Key, field.Value.(bool))
	case DurationField:
		return zap.Duration(field.Key, field.Value.(time.Duration))
	case TimeField:
		return zap.Time(field.Key, field.Value.(time.Time))
	case ErrorField:
		if err, ok := field.Value.(error); ok {
			return zap.NamedError(field.Key, err)
		}
		return zap.Skip()
	case StringsField:
		return zap.Strings(field.Key, field.Value.([]string))
	default:
		return zap.Any(field.Key, field.Value)
	}
}

func (z *ZapAdapter) logAtLevel(level Level, msg string, fields ...zap.Field) {
	switch level {
	case DebugLevel:
		z.logger.Debug(msg, fields...)
	case InfoLevel:
		z.logger.Info(msg, fields...)
	case WarnLevel:
		z.logger.Warn(msg, fields...)
	case ErrorLevel:
		z.logger.Error(msg, fields...)
	default:
		z.logger.Info(msg, fields...)
	}
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func createZapLogger(config ZapConfig) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.MessageKey = "message"
	encoderConfig.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	output := config.Output
	if output == nil {
		output = os.Stdout
	}
	writeSyncer := zapcore.Lock(zapcore.AddSync(output))

	core := zapcore.NewCore(encoder, writeSyncer, toZapLevel(config.Level))

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller())
	}
	if config.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if len(config.Fields) > 0 {
		opts = append(opts, zap.Fields(convertFields(config.Fields)...))
	}

	return zap.New(core, opts...)
}

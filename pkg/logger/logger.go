package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/noah-isme/sma-attendance-sync/pkg/config"
	"github.com/noah-isme/sma-attendance-sync/pkg/middleware/requestid"
)

const (
	ginLoggerKey = "zap_logger"
	// QuietKey marks a request as high-frequency so it is logged at debug level.
	QuietKey = "log_quiet"
)

// New builds the process logger from configuration.
func New(cfg *config.Config) (*zap.Logger, error) {
	return buildConfig(cfg).Build()
}

func buildConfig(cfg *config.Config) zap.Config {
	zapCfg := zap.NewDevelopmentConfig()
	if cfg.Env == config.EnvProduction {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Encoding = "json"
	if cfg.Log.Format == "console" {
		zapCfg.Encoding = "console"
	}
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil || cfg.Log.Level == "" {
		level = zapcore.InfoLevel
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.InitialFields = map[string]interface{}{
		"service": "attendance-sync",
		"env":     cfg.Env,
	}
	return zapCfg
}

// GinMiddleware installs l on the request and writes one access line when it completes.
// Successful requests marked Quiet are logged at debug level; capture kiosks post several
// frames per second.
func GinMiddleware(l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(ginLoggerKey, l)
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if id := requestid.Value(c); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
		if last := c.Errors.Last(); last != nil {
			fields = append(fields, zap.String("error", last.Error()))
		}

		switch {
		case status >= 500:
			l.Error("http_request", fields...)
		case status < 400 && c.GetBool(QuietKey):
			l.Debug("http_request", fields...)
		default:
			l.Info("http_request", fields...)
		}
	}
}

// FromGin returns the logger installed by GinMiddleware, or a no-op logger.
func FromGin(c *gin.Context) *zap.Logger {
	if v, ok := c.Get(ginLoggerKey); ok {
		if l, ok := v.(*zap.Logger); ok {
			return l
		}
	}
	return zap.NewNop()
}

// Quiet marks the matched route as high-frequency for GinMiddleware.
func Quiet() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(QuietKey, true)
		c.Next()
	}
}

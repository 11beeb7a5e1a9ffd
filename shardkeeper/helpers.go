package shardkeeper

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"
)

const loggerContextKey contextKey = "logger"

type contextKey string

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// tlsConfig loads the API listener's certificate pair
func tlsConfig(certFile, keyFile string, minVersion uint16) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading api certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// structToSlogValue renders a struct (or pointer to one) as a slog group.
// Keys come from the field's json tag. A non-empty `log` tag replaces
// the field's value, which is how secrets are redacted. Nil and empty
// fields are left out.
func structToSlogValue(v any) slog.Value {
	if v == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}
	return slog.GroupValue(structAttrs(val)...)
}

func structAttrs(val reflect.Value) []slog.Attr {
	typ := val.Type()
	attrs := make([]slog.Attr, 0, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fv := val.Field(i)
		if !field.IsExported() {
			continue
		}
		key, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		switch key {
		case "-":
			continue
		case "":
			key = field.Name
		}

		if redacted := field.Tag.Get("log"); redacted != "" {
			attrs = append(attrs, slog.String(key, redacted))
			continue
		}
		if emptyField(fv) {
			continue
		}

		switch fieldValue := fv.Interface().(type) {
		case *slog.LevelVar:
			attrs = append(attrs, slog.String(key, fieldValue.Level().String()))
		case time.Duration:
			attrs = append(attrs, slog.Duration(key, fieldValue))
		default:
			attrs = append(attrs, slog.Attr{Key: key, Value: structToSlogValue(fieldValue)})
		}
	}
	return attrs
}

func emptyField(fv reflect.Value) bool {
	switch fv.Kind() {
	case reflect.Ptr, reflect.Interface:
		return fv.IsNil()
	case reflect.Map, reflect.Slice:
		return fv.IsNil() || fv.Len() == 0
	case reflect.String:
		return fv.Len() == 0
	default:
		return false
	}
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger attached by WithLogger, if any.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// contextLoggerOr returns the context's logger, falling back to the given one
func contextLoggerOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok {
		return logger
	}
	if fallback == nil {
		return slog.Default()
	}
	return fallback
}

// generateRandomHexString generates a random hex string of the specified length
func generateRandomHexString(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateSecret returns a random secret suitable for the API
func GenerateSecret() (string, error) {
	return generateRandomHexString(64)
}

// secretsEqual compares two secrets in constant time
func secretsEqual(expected string, actual string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}

// shardForGuild returns the shard ID which receives events for the given
// guild snowflake: (guild_id >> 22) % shard_count
func shardForGuild(guildID string, totalShards int) (int, error) {
	if totalShards <= 0 {
		return 0, fmt.Errorf("%w: total shards must be positive", ErrConfigInvalid)
	}
	id, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid guild id %q: %w", guildID, err)
	}
	return int((id >> 22) % uint64(totalShards)), nil
}

// bucketForShard returns the identify rate limit bucket of the shard
func bucketForShard(shardID int, maxConcurrency int) int {
	if maxConcurrency <= 1 {
		return 0
	}
	return shardID % maxConcurrency
}

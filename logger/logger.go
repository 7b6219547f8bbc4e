// Package logger adapts logrus and zap loggers to the btrcore.Logger
// interface. A *slog.Logger satisfies btrcore.Logger directly.
//
//	zl, _ := zap.NewProduction()
//	tree, err := btrcore.Open("index.db", btrcore.WithLogger(logger.NewZap(zl)))
//	if err != nil {
//		panic(err)
//	}
//	defer tree.Close()
package logger

import "fmt"

// badKey names a value whose key is not a string, or that has no key.
const badKey = "!BADKEY"

// pairs walks key/value args the way slog does: a non-string key, or a
// trailing value, is reported under badKey.
func pairs(args []any, fn func(key string, value any)) {
	for len(args) > 0 {
		key, ok := args[0].(string)
		if !ok || len(args) == 1 {
			fn(badKey, args[0])
			args = args[1:]
			continue
		}
		fn(key, value(args[1]))
		args = args[2:]
	}
}

// value renders Stringers, page ids among them, as text so structured
// output shows them the way log lines do.
func value(v any) any {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return v
}

package api

import (
	"context"
	"time"

	"github.com/hays/internal/logger"
)

// Retry повторяет fn только при ConnectivityError: attempts дополнительных попыток,
// пауза удваивается после каждой. Для фоновых запросов (текущий пользователь, список бесед).
func Retry(ctx context.Context, op string, attempts int, delay time.Duration, fn func(context.Context) error) error {
	err := fn(ctx)
	for i := 0; i < attempts && err != nil && IsConnectivity(err); i++ {
		logger.Warnf("%s: retry %d/%d in %v: %v", op, i+1, attempts, delay, err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		err = fn(ctx)
	}
	return err
}

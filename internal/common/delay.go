package common

import (
	"context"
	"time"
)

// Sleep ждёт d или отмену контекста. При отмене возвращает ошибку контекста,
// чтобы прерывание обработали выше по стеку.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

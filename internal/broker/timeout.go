package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const DefaultTimeout = 10 * time.Second

type timeoutBroker struct {
	inner   Broker
	timeout time.Duration
}

// WithTimeout bounds every call to inner; order failures are wrapped in ErrExecution.
func WithTimeout(inner Broker, timeout time.Duration) Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutBroker{inner: inner, timeout: timeout}
}

func (b *timeoutBroker) Name() string { return b.inner.Name() }

func (b *timeoutBroker) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.GetPositions(ctx, symbol)
}

func (b *timeoutBroker) PlaceOrder(ctx context.Context, req OrderRequest) (Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	exec, err := b.inner.PlaceOrder(ctx, req)
	if err != nil {
		return exec, asExecutionErr(err)
	}
	return exec, nil
}

func (b *timeoutBroker) ClosePosition(ctx context.Context, symbol string) (Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	exec, err := b.inner.ClosePosition(ctx, symbol)
	if err != nil {
		return exec, asExecutionErr(err)
	}
	return exec, nil
}

func (b *timeoutBroker) GetAccount(ctx context.Context) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.GetAccount(ctx)
}

func asExecutionErr(err error) error {
	if err == nil || errors.Is(err, ErrExecution) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrExecution, err)
}

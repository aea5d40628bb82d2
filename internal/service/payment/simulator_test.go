package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type handlerFunc func(ctx context.Context, res GatewayResult) error

func (f handlerFunc) HandleGatewayResult(ctx context.Context, res GatewayResult) error {
	return f(ctx, res)
}

func TestSimulator_ResolvesQueuedRequests(t *testing.T) {
	results := make(chan GatewayResult, 2)
	sim := NewSimulator(SimulatorConfig{SuccessRatio: 1, QueueSize: 4, Seed: 42}, handlerFunc(func(_ context.Context, res GatewayResult) error {
		results <- res
		return nil
	}), loggerForTests())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.Run(ctx)

	require.NoError(t, sim.Initiate(ctx, domain.PaymentRequest{OrderID: "o-1", PaymentNumber: "PAY-1", AmountMinor: 3500}))

	select {
	case res := <-results:
		assert.Equal(t, "PAY-1", res.PaymentNumber)
		assert.Equal(t, domain.PaymentOutcomeSuccess, res.Outcome)
		assert.NotEmpty(t, res.TransactionID)
		require.NotNil(t, res.AmountMinor)
		assert.Equal(t, int64(3500), *res.AmountMinor)
	case <-time.After(time.Second):
		t.Fatal("simulator did not resolve the request")
	}
}

func TestSimulator_ZeroRatioDeclines(t *testing.T) {
	results := make(chan GatewayResult, 1)
	sim := NewSimulator(SimulatorConfig{SuccessRatio: 0, QueueSize: 1, Seed: 1}, handlerFunc(func(_ context.Context, res GatewayResult) error {
		results <- res
		return nil
	}), loggerForTests())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.Run(ctx)

	require.NoError(t, sim.Initiate(ctx, domain.PaymentRequest{PaymentNumber: "PAY-2"}))
	select {
	case res := <-results:
		assert.Equal(t, domain.PaymentOutcomeFailed, res.Outcome)
	case <-time.After(time.Second):
		t.Fatal("simulator did not resolve the request")
	}
}

func TestSimulator_QueueFull(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{QueueSize: 1}, handlerFunc(func(context.Context, GatewayResult) error { return nil }), loggerForTests())

	require.NoError(t, sim.Initiate(context.Background(), domain.PaymentRequest{PaymentNumber: "a"}))
	require.ErrorIs(t, sim.Initiate(context.Background(), domain.PaymentRequest{PaymentNumber: "b"}), ErrSimulatorQueueFull)
}

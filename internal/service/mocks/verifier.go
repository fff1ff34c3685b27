package mocks

import (
	"context"
	"time"

	"who_knows_rewards/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, txHash string, amount decimal.Decimal, sender string) (*model.Verification, error) {
	args := m.Called(ctx, txHash, amount, sender)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Verification), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(update model.PointsUpdate) {
	m.Called(update)
}

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) Deposit(outcome string) {
	m.Called(outcome)
}

func (m *MockRecorder) Referral(event string) {
	m.Called(event)
}

func (m *MockRecorder) StoreConflict() {
	m.Called()
}

func (m *MockRecorder) ObserveVerify(d time.Duration) {
	m.Called(d)
}

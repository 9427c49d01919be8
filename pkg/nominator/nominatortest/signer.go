// Package nominatortest provides a mock nominator.Signer for tests.
package nominatortest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/canopy-network/scorekeeper/pkg/chaindata"
)

// MockSigner is a testify mock of nominator.Signer.
type MockSigner struct {
	mock.Mock
	Addr string
}

func NewMockSigner(addr string) *MockSigner {
	return &MockSigner{Addr: addr}
}

func (m *MockSigner) Address() string { return m.Addr }

func (m *MockSigner) Nominate(ctx context.Context, targets []string) (chaindata.TxResult, error) {
	args := m.Called(ctx, targets)
	return args.Get(0).(chaindata.TxResult), args.Error(1)
}

func (m *MockSigner) ProxyNominate(ctx context.Context, real string, targets []string) (chaindata.TxResult, error) {
	args := m.Called(ctx, real, targets)
	return args.Get(0).(chaindata.TxResult), args.Error(1)
}

func (m *MockSigner) Announce(ctx context.Context, real string, targets []string) (string, chaindata.TxResult, error) {
	args := m.Called(ctx, real, targets)
	return args.String(0), args.Get(1).(chaindata.TxResult), args.Error(2)
}

func (m *MockSigner) ExecuteAnnounced(ctx context.Context, real string, targets []string) (chaindata.TxResult, error) {
	args := m.Called(ctx, real, targets)
	return args.Get(0).(chaindata.TxResult), args.Error(1)
}

func (m *MockSigner) RemoveAnnouncement(ctx context.Context, real, callHash string) (chaindata.TxResult, error) {
	args := m.Called(ctx, real, callHash)
	return args.Get(0).(chaindata.TxResult), args.Error(1)
}

package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"
)

// MockToken is a mock implementation of the mqtt.Token interface
type MockToken struct {
	mock.Mock
}

func (m *MockToken) Error() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockToken) Wait() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockToken) Done() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(<-chan struct{})
}

func (m *MockToken) WaitTimeout(timeout time.Duration) bool {
	args := m.Called(timeout)
	return args.Bool(0)
}

// DoneToken is a token that has already completed with Err.
type DoneToken struct {
	Err error
}

// NewDoneToken returns a completed token.
func NewDoneToken(err error) *DoneToken {
	return &DoneToken{Err: err}
}

func (t *DoneToken) Wait() bool                     { return true }
func (t *DoneToken) WaitTimeout(time.Duration) bool { return true }
func (t *DoneToken) Error() error                   { return t.Err }

func (t *DoneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// PendingToken never completes.
type PendingToken struct{}

func (PendingToken) Wait() bool                     { return false }
func (PendingToken) WaitTimeout(time.Duration) bool { return false }
func (PendingToken) Error() error                   { return nil }
func (PendingToken) Done() <-chan struct{}          { return make(chan struct{}) }

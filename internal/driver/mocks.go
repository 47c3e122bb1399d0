package driver

import (
	"context"
	"net"

	"github.com/stretchr/testify/mock"
)

// MockCommandExecutor is a mock implementation of CommandExecutor.
type MockCommandExecutor struct {
	mock.Mock
}

func (m *MockCommandExecutor) RunCommand(ctx context.Context, name string, args ...string) (string, error) {
	callArgs := make([]interface{}, 0, len(args)+1)
	callArgs = append(callArgs, name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	ret := m.Called(callArgs...)
	return ret.String(0), ret.Error(1)
}

// MockNAT is a mock implementation of NATManager.
type MockNAT struct {
	mock.Mock
}

func (m *MockNAT) EnsureMasquerade(iface string, subnet *net.IPNet) error {
	args := m.Called(iface, subnet)
	return args.Error(0)
}

func (m *MockNAT) RemoveMasquerade(iface string) error {
	args := m.Called(iface)
	return args.Error(0)
}

// MockSysfs is an in-memory Sysfs for tests.
type MockSysfs struct {
	Files  map[string]string
	Errors map[string]error
}

func NewMockSysfs() *MockSysfs {
	return &MockSysfs{Files: make(map[string]string), Errors: make(map[string]error)}
}

func (m *MockSysfs) Read(path string) (string, error) {
	if err := m.Errors[path]; err != nil {
		return "", err
	}
	return m.Files[path], nil
}

func (m *MockSysfs) Write(path, value string) error {
	if err := m.Errors[path]; err != nil {
		return err
	}
	m.Files[path] = value
	return nil
}

package mocks

import (
	"context"
	"sync"

	"github.com/agyle/agencycore/internal/domain"
)

// MockTenantDirectory is a mock implementation of domain.TenantDirectory.
type MockTenantDirectory struct {
	mu        sync.Mutex
	Tenants   map[domain.TenantID]*domain.Tenant
	LookupErr error
	Lookups   []domain.TenantID
}

func (m *MockTenantDirectory) Lookup(ctx context.Context, id domain.TenantID) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Lookups = append(m.Lookups, id)
	if m.LookupErr != nil {
		return nil, m.LookupErr
	}
	t, ok := m.Tenants[id]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	return t, nil
}

// MockSettingsSource is a mock implementation of domain.SettingsSource.
type MockSettingsSource struct {
	mu         sync.Mutex
	Settings   domain.Settings
	FetchErr   error
	UpdateErr  error
	FetchCalls int
}

func (m *MockSettingsSource) FetchSettings(ctx context.Context) (domain.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchCalls++
	if m.FetchErr != nil {
		return domain.Settings{}, m.FetchErr
	}
	return m.Settings, nil
}

func (m *MockSettingsSource) UpdateSettings(ctx context.Context, s domain.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.Settings = s
	return nil
}

// Set swaps the stored settings under the lock, simulating an out-of-band
// update by another process.
func (m *MockSettingsSource) Set(s domain.Settings) {
	m.mu.Lock()
	m.Settings = s
	m.mu.Unlock()
}

// MockExecutor is a mock implementation of domain.Executor.
type MockExecutor struct {
	mu         sync.Mutex
	Result     *domain.QueryResult
	TxResults  []domain.QueryResult
	ExecuteErr error
	TxErr      error
	Requests   []domain.QueryRequest
}

func (m *MockExecutor) Execute(ctx context.Context, req domain.QueryRequest) (*domain.QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.ExecuteErr != nil {
		return nil, m.ExecuteErr
	}
	if m.Result != nil {
		return m.Result, nil
	}
	return &domain.QueryResult{}, nil
}

func (m *MockExecutor) ExecuteTx(ctx context.Context, tenant domain.TenantID, stmts []domain.Statement, actorID string) ([]domain.QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TxErr != nil {
		return nil, m.TxErr
	}
	return m.TxResults, nil
}

// MockRepairer records repair requests for executor tests.
type MockRepairer struct {
	mu        sync.Mutex
	RepairErr error
	Calls     []string // SQLSTATE codes, in order
}

func (m *MockRepairer) Repair(ctx context.Context, tenant domain.TenantID, qerr *domain.QueryError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, qerr.Code)
	return m.RepairErr
}

// CallCount returns how many repair cycles ran.
func (m *MockRepairer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

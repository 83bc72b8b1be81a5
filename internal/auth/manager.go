// Package auth owns the agent's bearer token and account activation flag.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/bus"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/store"
)

// ErrInactive is returned while the account is deactivated.
var ErrInactive = errors.New("account inactive")

// AccountStatus tracks whether the collector still accepts this device.
type AccountStatus string

const (
	StatusActive   AccountStatus = "active"
	StatusInactive AccountStatus = "inactive"
)

// Credentials is the result of a successful login.
type Credentials struct {
	Token     string
	AccountID string
}

// Authenticator performs the login call for a device.
type Authenticator interface {
	Authenticate(ctx context.Context, deviceID string) (Credentials, error)
}

// StateStore persists the token, account id and status across restarts.
type StateStore interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, value string) error
	DeleteKey(ctx context.Context, key string) error
}

// Manager holds exactly one token at a time and replaces it in place on refresh.
type Manager struct {
	deviceID string
	authn    Authenticator
	state    StateStore
	logger   *slog.Logger

	mu        sync.Mutex
	token     string
	accountID string
	status    AccountStatus

	group   singleflight.Group
	changes *bus.Topic[AccountStatus]
}

// NewManager restores persisted credentials and status.
func NewManager(ctx context.Context, deviceID string, authn Authenticator, state StateStore, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		deviceID: deviceID,
		authn:    authn,
		state:    state,
		logger:   logger.With("component", "auth"),
		status:   StatusActive,
		changes:  bus.NewTopic[AccountStatus](),
	}
	token, _, err := state.GetString(ctx, store.KeyAuthToken)
	if err != nil {
		return nil, fmt.Errorf("load auth token: %w", err)
	}
	accountID, _, err := state.GetString(ctx, store.KeyAccountID)
	if err != nil {
		return nil, fmt.Errorf("load account id: %w", err)
	}
	status, ok, err := state.GetString(ctx, store.KeyAccountStatus)
	if err != nil {
		return nil, fmt.Errorf("load account status: %w", err)
	}
	m.token = token
	m.accountID = accountID
	if ok && AccountStatus(status) == StatusInactive {
		m.status = StatusInactive
	}
	return m, nil
}

// Token returns the current token, empty when unauthenticated.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *Manager) AccountID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountID
}

func (m *Manager) Status() AccountStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Active() bool {
	return m.Status() == StatusActive
}

// Authorize logs in unless a token is already held. Concurrent callers share
// a single login request.
func (m *Manager) Authorize(ctx context.Context) error {
	m.mu.Lock()
	status, token := m.status, m.token
	m.mu.Unlock()
	if status == StatusInactive {
		return ErrInactive
	}
	if token != "" {
		return nil
	}
	_, err, _ := m.group.Do("authorize", func() (any, error) {
		return nil, m.login(ctx)
	})
	return err
}

func (m *Manager) login(ctx context.Context) error {
	if m.Token() != "" {
		return nil
	}
	creds, err := m.authn.Authenticate(ctx, m.deviceID)
	if err != nil {
		m.logger.Warn("authenticate failed", "device_id", m.deviceID, "error", err)
		return fmt.Errorf("authenticate device: %w", err)
	}
	if creds.Token == "" {
		return errors.New("authenticate device: empty access token")
	}

	m.mu.Lock()
	m.token = creds.Token
	if creds.AccountID != "" {
		m.accountID = creds.AccountID
	}
	accountID := m.accountID
	m.mu.Unlock()

	if err := m.state.SetString(ctx, store.KeyAuthToken, creds.Token); err != nil {
		m.logger.Error("persist auth token failed", "error", err)
	}
	if accountID != "" {
		if err := m.state.SetString(ctx, store.KeyAccountID, accountID); err != nil {
			m.logger.Error("persist account id failed", "error", err)
		}
	}
	m.logger.Info("device authenticated", "device_id", m.deviceID, "account_id", accountID)
	return nil
}

// Reauthorize refreshes the token after the collector rejected stale. The
// rejected token is forgotten on disk as well so a failed login never restores
// it on the next start. When another caller already replaced stale, the newer
// token is returned without a second login.
func (m *Manager) Reauthorize(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()
	if m.token != "" && m.token != stale {
		token := m.token
		m.mu.Unlock()
		return token, nil
	}
	m.token = ""
	m.mu.Unlock()
	if err := m.state.DeleteKey(ctx, store.KeyAuthToken); err != nil {
		m.logger.Error("forget stale auth token failed", "error", err)
	}

	if err := m.Authorize(ctx); err != nil {
		return "", err
	}
	return m.Token(), nil
}

// Deactivate marks the account inactive and notifies subscribers.
func (m *Manager) Deactivate(ctx context.Context) {
	m.setStatus(ctx, StatusInactive)
}

// Reactivate lifts a previous deactivation.
func (m *Manager) Reactivate(ctx context.Context) {
	m.setStatus(ctx, StatusActive)
}

func (m *Manager) setStatus(ctx context.Context, status AccountStatus) {
	m.mu.Lock()
	changed := m.status != status
	m.status = status
	m.mu.Unlock()
	if !changed {
		return
	}
	if err := m.state.SetString(ctx, store.KeyAccountStatus, string(status)); err != nil {
		m.logger.Error("persist account status failed", "status", status, "error", err)
	}
	m.logger.Warn("account status changed", "status", status)
	m.changes.Publish(status)
}

// Subscribe registers fn for account status changes.
func (m *Manager) Subscribe(fn func(AccountStatus)) (unsubscribe func()) {
	return m.changes.Subscribe(fn)
}

// Close releases subscribers.
func (m *Manager) Close() {
	m.changes.Close()
}

package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ClareAI/astra-voice-client/internal/config"
	"github.com/ClareAI/astra-voice-client/pkg/keystore"
	"github.com/ClareAI/astra-voice-client/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	// ErrInvalidArgument is returned for empty agent ids, endpoints or
	// credential fields. Fails fast, never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotConfigured is returned when no agent id/endpoint has been set.
	ErrNotConfigured = errors.New("agent not configured")

	// ErrRefreshFailed is returned when a refresh attempt completed but the
	// credential pair is still absent.
	ErrRefreshFailed = errors.New("credential refresh failed")

	// ErrDisposed is returned when the manager is used after ClearCredentials
	// tore it down and no re-initialization happened.
	ErrDisposed = errors.New("credential manager disposed")
)

// credentialRequest is the POST body sent to the credential endpoint.
type credentialRequest struct {
	AgentID        string `json:"agentId"`
	ConnectionType string `json:"connectionType"`
	ClientType     string `json:"clientType"`
	RequestedAt    string `json:"requestedAt"`
}

// credentialResponse is the expected 200 body from the credential endpoint.
type credentialResponse struct {
	SignedURL string `json:"signedUrl"`
	Token     string `json:"token"`
}

// Manager owns the credential lifecycle: fetch with retry, cache, expiry
// tracking, proactive background refresh and mutual exclusion of concurrent
// refreshes. Exactly one Manager serves a process; construct it once in the
// composition root.
type Manager struct {
	store      *store
	httpClient *http.Client
	clientType string

	// tokenLifetime is a local assumption (the endpoint returns no expiry
	// field); a JWT exp claim in the token overrides it when present.
	tokenLifetime time.Duration
	refreshBuffer time.Duration
	maxAttempts   int
	retryDelay    time.Duration

	// OnUpdated is invoked after every successful credential update.
	OnUpdated func(Credentials)

	mu           sync.Mutex
	refreshDone  *sync.Cond
	creds        Credentials
	initialized  bool
	refreshing   bool
	refreshTimer *time.Timer
}

// NewManager creates a credential manager over the given secure store.
func NewManager(backend keystore.Store, cfg *config.SessionConfig) *Manager {
	m := &Manager{
		store: newStore(backend),
		httpClient: &http.Client{
			Timeout: config.CredentialRequestTimeout,
		},
		clientType:    cfg.ClientType,
		tokenLifetime: cfg.TokenLifetime,
		refreshBuffer: cfg.RefreshBuffer,
		maxAttempts:   config.CredentialMaxAttempts,
		retryDelay:    config.CredentialRetryDelay,
	}
	m.refreshDone = sync.NewCond(&m.mu)
	return m
}

// Initialize loads cached values from the secure store, refreshes immediately
// when the cache is missing or expiring, and arms the proactive refresh timer.
// A second call is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.creds = m.store.load(ctx)
	m.initialized = true
	configured := m.creds.AgentID != "" && m.creds.Endpoint != ""
	needsRefresh := configured && (!m.creds.Valid() || m.creds.ExpiringWithin(m.refreshBuffer))
	m.mu.Unlock()

	logger.Base().Info("Credential manager initialized",
		zap.Bool("configured", configured),
		zap.Bool("needs_refresh", needsRefresh))

	if needsRefresh {
		if err := m.RefreshCredentials(ctx); err != nil {
			return err
		}
	}
	m.armRefreshTimer()
	return nil
}

// SetAgentConfiguration validates and persists the agent id and endpoint.
func (m *Manager) SetAgentConfiguration(ctx context.Context, agentID, endpoint string) error {
	if agentID == "" || endpoint == "" {
		return fmt.Errorf("%w: agent id and endpoint are required", ErrInvalidArgument)
	}
	if err := m.store.saveAgentConfig(ctx, agentID, endpoint); err != nil {
		return fmt.Errorf("failed to persist agent configuration: %w", err)
	}
	m.mu.Lock()
	m.creds.AgentID = agentID
	m.creds.Endpoint = endpoint
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// FetchAndStoreCredentials sets the agent configuration, then fetches and
// persists fresh credentials.
func (m *Manager) FetchAndStoreCredentials(ctx context.Context, agentID, endpoint string) error {
	if err := m.SetAgentConfiguration(ctx, agentID, endpoint); err != nil {
		return err
	}
	return m.RefreshCredentials(ctx)
}

// GetValidCredentials returns cached credentials, refreshing first when they
// are absent or expiring within the refresh buffer.
func (m *Manager) GetValidCredentials(ctx context.Context) (Credentials, error) {
	m.mu.Lock()
	if m.creds.AgentID == "" || m.creds.Endpoint == "" {
		m.mu.Unlock()
		return Credentials{}, ErrNotConfigured
	}
	if m.creds.Valid() && !m.creds.ExpiringWithin(m.refreshBuffer) {
		creds := m.creds
		m.mu.Unlock()
		return creds, nil
	}
	m.mu.Unlock()

	if err := m.RefreshCredentials(ctx); err != nil {
		return Credentials{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.creds.Valid() {
		return Credentials{}, ErrRefreshFailed
	}
	return m.creds, nil
}

// RefreshCredentials requests new credentials from the remote endpoint with
// bounded retry, persists them on success and rearms the refresh timer.
// Concurrent callers wait for the in-flight refresh instead of issuing a
// duplicate request.
func (m *Manager) RefreshCredentials(ctx context.Context) error {
	m.mu.Lock()
	if m.creds.AgentID == "" || m.creds.Endpoint == "" {
		m.mu.Unlock()
		return ErrNotConfigured
	}
	if m.refreshing {
		// Another caller holds the refresh; wait for it and reuse its result.
		for m.refreshing {
			m.refreshDone.Wait()
		}
		valid := m.creds.Valid()
		m.mu.Unlock()
		if !valid {
			return ErrRefreshFailed
		}
		return nil
	}
	m.refreshing = true
	agentID := m.creds.AgentID
	endpoint := m.creds.Endpoint
	m.mu.Unlock()

	signedURL, token, err := m.requestWithRetry(ctx, agentID, endpoint)

	m.mu.Lock()
	m.refreshing = false
	if err == nil {
		m.creds.SignedURL = signedURL
		m.creds.Token = token
		m.creds.ExpiresAt = m.expiryFor(token)
	}
	creds := m.creds
	m.refreshDone.Broadcast()
	m.mu.Unlock()

	if err != nil {
		return err
	}

	if err := m.store.save(ctx, creds); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}
	m.armRefreshTimer()
	if m.OnUpdated != nil {
		m.OnUpdated(creds)
	}
	logger.Base().Info("Credentials refreshed",
		zap.String("agent_id", creds.AgentID),
		zap.Time("expires_at", creds.ExpiresAt))
	return nil
}

// SetCredentialsFromExternalSource installs credentials obtained out-of-band.
func (m *Manager) SetCredentialsFromExternalSource(ctx context.Context, signedURL, token string) error {
	if signedURL == "" || token == "" {
		return fmt.Errorf("%w: signed URL and token are required", ErrInvalidArgument)
	}
	m.mu.Lock()
	m.creds.SignedURL = signedURL
	m.creds.Token = token
	m.creds.ExpiresAt = m.expiryFor(token)
	m.initialized = true
	creds := m.creds
	m.mu.Unlock()

	if err := m.store.save(ctx, creds); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}
	m.armRefreshTimer()
	if m.OnUpdated != nil {
		m.OnUpdated(creds)
	}
	return nil
}

// ClearCredentials cancels the refresh timer, deletes all persisted keys and
// resets the in-memory cache.
func (m *Manager) ClearCredentials(ctx context.Context) error {
	m.mu.Lock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.creds = Credentials{}
	m.initialized = false
	m.mu.Unlock()
	return m.store.clear(ctx)
}

// HasValidCredentials reports whether a non-expiring credential pair is cached.
func (m *Manager) HasValidCredentials() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.Valid() && !m.creds.ExpiringWithin(0)
}

// TimeUntilExpiration returns the remaining credential lifetime, zero when
// expired or unknown.
func (m *Manager) TimeUntilExpiration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds.ExpiresAt.IsZero() {
		return 0
	}
	remaining := time.Until(m.creds.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// requestWithRetry POSTs to the credential endpoint with bounded retry.
// Non-200 responses, transport errors and malformed bodies all count as
// retryable failures; the last error surfaces after exhaustion.
func (m *Manager) requestWithRetry(ctx context.Context, agentID, endpoint string) (string, string, error) {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		signedURL, token, err := m.requestOnce(ctx, agentID, endpoint)
		if err == nil {
			return signedURL, token, nil
		}
		lastErr = err
		logger.Base().Warn("Credential request failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.maxAttempts),
			zap.Error(err))

		if attempt < m.maxAttempts {
			select {
			case <-time.After(m.retryDelay):
			case <-ctx.Done():
				return "", "", ctx.Err()
			}
		}
	}
	return "", "", fmt.Errorf("credential request exhausted %d attempts: %w", m.maxAttempts, lastErr)
}

func (m *Manager) requestOnce(ctx context.Context, agentID, endpoint string) (string, string, error) {
	body, err := json.Marshal(credentialRequest{
		AgentID:        agentID,
		ConnectionType: "webrtc",
		ClientType:     m.clientType,
		RequestedAt:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, config.CredentialRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("credential request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", "", fmt.Errorf("credential endpoint returned status %d", resp.StatusCode)
	}

	var parsed credentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", fmt.Errorf("malformed credential response: %w", err)
	}
	if parsed.SignedURL == "" || parsed.Token == "" {
		return "", "", fmt.Errorf("malformed credential response: missing signedUrl or token")
	}
	return parsed.SignedURL, parsed.Token, nil
}

// expiryFor derives the credential expiry. A parseable JWT exp claim wins;
// otherwise the configured assumed lifetime applies from now.
func (m *Manager) expiryFor(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(m.tokenLifetime)
}

// armRefreshTimer schedules the proactive refresh one buffer ahead of expiry.
// At most one pending timer exists; every credential update replaces it.
func (m *Manager) armRefreshTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.creds.ExpiresAt.IsZero() {
		return
	}
	delay := time.Until(m.creds.ExpiresAt) - m.refreshBuffer
	if delay < 0 {
		delay = 0
	}
	m.refreshTimer = time.AfterFunc(delay, func() {
		if err := m.RefreshCredentials(context.Background()); err != nil {
			logger.Base().Error("Background credential refresh failed", zap.Error(err))
		}
	})
}

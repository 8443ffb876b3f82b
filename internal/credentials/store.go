package credentials

import (
	"context"
	"time"

	"github.com/ClareAI/astra-voice-client/pkg/keystore"
	"github.com/ClareAI/astra-voice-client/pkg/logger"
	"go.uber.org/zap"
)

// Secure storage keys. The values are opaque strings; timestamps are RFC3339.
const (
	KeyAPIKey         = "elevenlabs_api_key"
	KeySignedURL      = "elevenlabs_signed_url"
	KeyToken          = "elevenlabs_token"
	KeyExpirationTime = "elevenlabs_expiration_time"
	KeyLastRefresh    = "elevenlabs_last_refresh"
	KeyAgentID        = "elevenlabs_agent_id"
	KeyEndpoint       = "elevenlabs_endpoint"
)

var allKeys = []string{
	KeyAPIKey,
	KeySignedURL,
	KeyToken,
	KeyExpirationTime,
	KeyLastRefresh,
	KeyAgentID,
	KeyEndpoint,
}

// Credentials is the full credential set for one agent session.
// SignedURL and Token are either both present or both absent.
type Credentials struct {
	AgentID   string
	Endpoint  string
	SignedURL string
	Token     string
	ExpiresAt time.Time // zero when unknown
}

// Valid reports whether the connectable pair is present.
func (c Credentials) Valid() bool {
	return c.SignedURL != "" && c.Token != ""
}

// ExpiringWithin reports whether the credentials expire inside the buffer.
// Credentials without an expiry are treated as already expiring so a refresh
// is attempted before use.
func (c Credentials) ExpiringWithin(buffer time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}
	return time.Until(c.ExpiresAt) <= buffer
}

// store persists Credentials through a keystore.Store under the fixed keys.
type store struct {
	backend keystore.Store
}

func newStore(backend keystore.Store) *store {
	return &store{backend: backend}
}

// load reads the cached credential set. Read failures fail open to an empty
// cache: a broken secure store must not block a fresh fetch.
func (s *store) load(ctx context.Context) Credentials {
	var creds Credentials
	creds.AgentID = s.readQuiet(ctx, KeyAgentID)
	creds.Endpoint = s.readQuiet(ctx, KeyEndpoint)
	creds.SignedURL = s.readQuiet(ctx, KeySignedURL)
	creds.Token = s.readQuiet(ctx, KeyToken)

	if raw := s.readQuiet(ctx, KeyExpirationTime); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			creds.ExpiresAt = ts
		} else {
			logger.Base().Warn("Ignoring malformed stored expiration time", zap.String("value", raw))
		}
	}

	// The pair invariant: a half-present pair is as good as absent.
	if creds.SignedURL == "" || creds.Token == "" {
		creds.SignedURL = ""
		creds.Token = ""
	}
	return creds
}

func (s *store) readQuiet(ctx context.Context, key string) string {
	val, err := s.backend.Read(ctx, key)
	if err != nil {
		logger.Base().Warn("Secure store read failed, treating as absent", zap.String("key", key), zap.Error(err))
		return ""
	}
	return val
}

// save persists the credential set. Write failures propagate to the caller.
func (s *store) save(ctx context.Context, creds Credentials) error {
	pairs := map[string]string{
		KeyAgentID:     creds.AgentID,
		KeyEndpoint:    creds.Endpoint,
		KeySignedURL:   creds.SignedURL,
		KeyToken:       creds.Token,
		KeyLastRefresh: time.Now().UTC().Format(time.RFC3339),
	}
	if !creds.ExpiresAt.IsZero() {
		pairs[KeyExpirationTime] = creds.ExpiresAt.UTC().Format(time.RFC3339)
	}
	for key, value := range pairs {
		if err := s.backend.Write(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// saveAgentConfig persists only the agent id and endpoint.
func (s *store) saveAgentConfig(ctx context.Context, agentID, endpoint string) error {
	if err := s.backend.Write(ctx, KeyAgentID, agentID); err != nil {
		return err
	}
	return s.backend.Write(ctx, KeyEndpoint, endpoint)
}

// clear deletes every persisted key.
func (s *store) clear(ctx context.Context) error {
	var firstErr error
	for _, key := range allKeys {
		if err := s.backend.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

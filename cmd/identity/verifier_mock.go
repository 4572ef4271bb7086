package identity

import (
	"context"
	"strings"
)

// MockTokenPrefix marks development tokens of the form mock_jwt_<user>[_<anything>].
const MockTokenPrefix = "mock_jwt_"

// DefaultMockUsers are the development accounts accepted by MockVerifier.
func DefaultMockUsers() map[string]Identity {
	return map[string]Identity{
		"user1": {UserID: "user1", Email: "test1@example.com"},
		"user2": {UserID: "user2", Email: "test2@example.com"},
		"user3": {UserID: "user3", Email: "test3@example.com"},
	}
}

// MockVerifier accepts mock_jwt_ tokens for a fixed set of users. Dev only.
type MockVerifier struct {
	users map[string]Identity
}

// NewMockVerifier constructs a MockVerifier. A nil map selects DefaultMockUsers.
func NewMockVerifier(users map[string]Identity) *MockVerifier {
	if users == nil {
		users = DefaultMockUsers()
	}
	cp := make(map[string]Identity, len(users))
	for k, v := range users {
		cp[k] = v
	}
	return &MockVerifier{users: cp}
}

// MockToken returns a token MockVerifier accepts for userID.
func MockToken(userID string) string {
	return MockTokenPrefix + userID + "_dev"
}

// Verify implements Verifier.
func (v *MockVerifier) Verify(_ context.Context, token string) (Identity, error) {
	const op = "identity.MockVerifier.Verify"

	if !strings.HasPrefix(token, MockTokenPrefix) {
		return Identity{}, invalidToken(op, "not a mock token")
	}
	rest := strings.TrimPrefix(token, MockTokenPrefix)
	userID, _, _ := strings.Cut(rest, "_")
	id, ok := v.users[userID]
	if !ok {
		return Identity{}, invalidToken(op, "unknown mock user")
	}
	return id, nil
}

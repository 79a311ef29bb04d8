package credential

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripleh1701/pipelineforge/domain/pipeline"
	"github.com/tripleh1701/pipelineforge/infrastructure/database"
)

func TestResolveInlineAuthWinsOutright(t *testing.T) {
	store := database.NewMemoryStore()
	resolver := New(nil)

	inline := &ResolvedAuth{Type: pipeline.CredentialBearer, Token: "inline-token"}
	got, err := resolver.Resolve(context.Background(), store, "acct-1", StageAuthInput{
		Inline:       inline,
		CredentialID: "should-be-ignored",
	})
	require.NoError(t, err)
	assert.Same(t, inline, got)
}

func TestResolveByCredentialIDProbesLabelAliases(t *testing.T) {
	store := database.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, database.Item{
		PK: "ACCOUNT#acct-1",
		SK: "CREDENTIAL#cred-1",
		Attrs: map[string]any{
			"type":             "basic",
			"Username":         "svc-user",
			"Personal Access Token": "tok-abc",
		},
	}))

	resolver := New(nil)
	got, err := resolver.Resolve(ctx, store, "acct-1", StageAuthInput{CredentialID: "cred-1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pipeline.CredentialBasic, got.Type)
	assert.Equal(t, "svc-user", got.Username)
	assert.Equal(t, "tok-abc", got.APIKey)
}

func TestResolveNeitherInlineNorCredentialIDReturnsNil(t *testing.T) {
	store := database.NewMemoryStore()
	resolver := New(nil)

	got, err := resolver.Resolve(context.Background(), store, "acct-1", StageAuthInput{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolveMissingCredentialPropagatesNotFound(t *testing.T) {
	store := database.NewMemoryStore()
	resolver := New(nil)

	_, err := resolver.Resolve(context.Background(), store, "acct-1", StageAuthInput{CredentialID: "missing"})
	assert.True(t, database.IsNotFound(err))
}

func TestResolveAuditsEveryAttempt(t *testing.T) {
	store := database.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, database.Item{
		PK:    "ACCOUNT#acct-1",
		SK:    "CREDENTIAL#cred-1",
		Attrs: map[string]any{"type": "bearer", "token": "t1"},
	}))

	type event struct {
		accountID, credentialID string
		resolved                bool
	}
	var events []event
	resolver := New(func(ctx context.Context, accountID, credentialID string, resolved bool) {
		events = append(events, event{accountID, credentialID, resolved})
	})

	_, err := resolver.Resolve(ctx, store, "acct-1", StageAuthInput{CredentialID: "cred-1"})
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, store, "acct-1", StageAuthInput{CredentialID: "missing"})
	require.Error(t, err)

	require.Len(t, events, 2)
	assert.True(t, events[0].resolved)
	assert.False(t, events[1].resolved)
}

func TestRedactedNeverExposesSecretValues(t *testing.T) {
	auth := ResolvedAuth{Type: pipeline.CredentialBasic, Username: "svc-user", APIKey: "super-secret"}
	redacted := auth.Redacted()
	assert.NotContains(t, redacted, "super-secret")
	assert.Contains(t, redacted, "apiKey=set")
	assert.Equal(t, redacted, auth.String())
}

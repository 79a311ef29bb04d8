package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripleh1701/pipelineforge/domain/pipeline"
	"github.com/tripleh1701/pipelineforge/infrastructure/database"
	"github.com/tripleh1701/pipelineforge/pkg/tenant"
)

func testRouter(store database.ItemStore) *tenant.Router {
	return tenant.New(store, func(ctx context.Context, accountID string) (string, string, error) {
		return "public", "", nil
	}, func(string) (database.ItemStore, error) { return nil, nil }, time.Minute)
}

type resumeCall struct {
	accountID, executionID, stageID string
	outcome                         pipeline.StageStatus
}

type stubResumer struct {
	calls []resumeCall
}

func (s *stubResumer) ResumeApproval(ctx context.Context, accountID, executionID, stageID string, outcome pipeline.StageStatus) error {
	s.calls = append(s.calls, resumeCall{accountID, executionID, stageID, outcome})
	return nil
}

func TestCreatePersistsOneItemPerApproverAndReturnsToken(t *testing.T) {
	store := database.NewMemoryStore()
	var sent []string
	b := New(testRouter(store), &stubResumer{}, Config{
		SigningKey: []byte("secret"),
		Email: func(ctx context.Context, to, subject, body string) error {
			sent = append(sent, to)
			return nil
		},
	})

	token, err := b.Create(context.Background(), "acct1", "exec1", "approve1", []string{"alice@example.com", "bob@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.ElementsMatch(t, []string{"alice@example.com", "bob@example.com"}, sent)

	accountID, execID, stageID, err := b.VerifyResumeToken(token)
	require.NoError(t, err)
	assert.Equal(t, "acct1", accountID)
	assert.Equal(t, "exec1", execID)
	assert.Equal(t, "approve1", stageID)

	items, err := b.ListForUser(context.Background(), "acct1", "alice@example.com")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, pipeline.InboxPending, items[0].Status)
}

func TestCreateFailsWithNoApprovers(t *testing.T) {
	b := New(testRouter(database.NewMemoryStore()), nil, Config{SigningKey: []byte("k")})
	_, err := b.Create(context.Background(), "acct1", "exec1", "s1", nil)
	assert.Error(t, err)
}

func TestVerifyResumeTokenRejectsWrongKey(t *testing.T) {
	b := New(testRouter(database.NewMemoryStore()), nil, Config{SigningKey: []byte("secret")})
	token, err := b.signResumeToken("acct1", "exec1", "s1")
	require.NoError(t, err)

	other := New(testRouter(database.NewMemoryStore()), nil, Config{SigningKey: []byte("different")})
	_, _, _, err = other.VerifyResumeToken(token)
	assert.Error(t, err)
}

func TestApproveMarksSiblingsStaleAndResumesWithSuccess(t *testing.T) {
	store := database.NewMemoryStore()
	resumer := &stubResumer{}
	b := New(testRouter(store), resumer, Config{SigningKey: []byte("secret")})

	_, err := b.Create(context.Background(), "acct1", "exec1", "approve1", []string{"alice@example.com", "bob@example.com"})
	require.NoError(t, err)

	aliceItems, err := b.ListForUser(context.Background(), "acct1", "alice@example.com")
	require.NoError(t, err)
	require.Len(t, aliceItems, 1)

	approved, err := b.Approve(context.Background(), "acct1", aliceItems[0].ID, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, pipeline.InboxApproved, approved.Status)
	assert.Equal(t, "alice@example.com", approved.ActionedBy)

	bobItems, err := b.ListForUser(context.Background(), "acct1", "bob@example.com")
	require.NoError(t, err)
	require.Len(t, bobItems, 1)
	assert.Equal(t, pipeline.InboxStale, bobItems[0].Status)

	require.Len(t, resumer.calls, 1)
	assert.Equal(t, "exec1", resumer.calls[0].executionID)
	assert.Equal(t, "approve1", resumer.calls[0].stageID)
	assert.Equal(t, pipeline.StageSuccess, resumer.calls[0].outcome)
}

func TestRejectResumesWithFailedOutcome(t *testing.T) {
	store := database.NewMemoryStore()
	resumer := &stubResumer{}
	b := New(testRouter(store), resumer, Config{SigningKey: []byte("secret")})

	_, err := b.Create(context.Background(), "acct1", "exec1", "approve1", []string{"alice@example.com"})
	require.NoError(t, err)
	items, err := b.ListForUser(context.Background(), "acct1", "alice@example.com")
	require.NoError(t, err)
	require.Len(t, items, 1)

	rejected, err := b.Reject(context.Background(), "acct1", items[0].ID, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, pipeline.InboxRejected, rejected.Status)
	require.Len(t, resumer.calls, 1)
	assert.Equal(t, pipeline.StageFailed, resumer.calls[0].outcome)
}

func TestDismissDoesNotResumeExecution(t *testing.T) {
	store := database.NewMemoryStore()
	resumer := &stubResumer{}
	b := New(testRouter(store), resumer, Config{SigningKey: []byte("secret")})

	_, err := b.Create(context.Background(), "acct1", "exec1", "approve1", []string{"alice@example.com"})
	require.NoError(t, err)
	items, err := b.ListForUser(context.Background(), "acct1", "alice@example.com")
	require.NoError(t, err)
	require.Len(t, items, 1)

	dismissed, err := b.Dismiss(context.Background(), "acct1", items[0].ID, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, pipeline.InboxDismissed, dismissed.Status)
	assert.Empty(t, resumer.calls)
}

func TestActioningAnAlreadyDecidedItemFailsWithNotFound(t *testing.T) {
	store := database.NewMemoryStore()
	b := New(testRouter(store), &stubResumer{}, Config{SigningKey: []byte("secret")})

	_, err := b.Create(context.Background(), "acct1", "exec1", "approve1", []string{"alice@example.com"})
	require.NoError(t, err)
	items, err := b.ListForUser(context.Background(), "acct1", "alice@example.com")
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = b.Approve(context.Background(), "acct1", items[0].ID, "alice@example.com")
	require.NoError(t, err)

	_, err = b.Approve(context.Background(), "acct1", items[0].ID, "alice@example.com")
	assert.Error(t, err)
}

func TestGetPendingCount(t *testing.T) {
	store := database.NewMemoryStore()
	b := New(testRouter(store), &stubResumer{}, Config{SigningKey: []byte("secret")})

	_, err := b.Create(context.Background(), "acct1", "exec1", "approve1", []string{"alice@example.com"})
	require.NoError(t, err)
	_, err = b.Create(context.Background(), "acct1", "exec2", "approve2", []string{"alice@example.com"})
	require.NoError(t, err)

	count, err := b.GetPendingCount(context.Background(), "acct1", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

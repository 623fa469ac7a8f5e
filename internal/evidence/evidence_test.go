package evidence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diachron/internal/logging"
	"diachron/internal/store"
)

func strp(s string) *string { return &s }

func newTestCorrelator(t *testing.T) (*Correlator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, logging.Default()), s
}

const sha = "a1b2c3d4e5f60718293a4b5c6d7e8f9012345678"

func TestCorrelateHighTier(t *testing.T) {
	c, s := newTestCorrelator(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:     "Edit",
		Operation:    store.OpModify,
		FilePath:     strp("src/api.go"),
		SessionID:    strp("sess-1"),
		GitCommitSHA: strp(sha),
		DiffSummary:  strp("+10/-2 lines"),
	})
	require.NoError(t, err)

	result, err := c.Correlate(ctx, Request{PRID: 7, Commits: []string{sha}, Branch: "feat"})
	require.NoError(t, err)

	assert.Equal(t, int64(7), result.PRID)
	assert.Equal(t, "feat", result.Branch)
	require.Len(t, result.Commits, 1)
	require.Len(t, result.Commits[0].Items, 1)
	assert.Equal(t, TierHigh, result.Commits[0].Items[0].Tier)
	assert.Equal(t, 1, result.Summary.FilesChanged)
	assert.Equal(t, 10, result.Summary.LinesAdded)
	assert.Equal(t, 2, result.Summary.LinesRemoved)
	assert.Equal(t, []string{"sess-1"}, result.Summary.Sessions)
	assert.True(t, result.Verification.ChainVerified)
	assert.False(t, result.Verification.HumanReviewed)
}

func TestCorrelateMediumTierSessionSiblings(t *testing.T) {
	c, s := newTestCorrelator(t)
	ctx := context.Background()

	// Sibling edit in the same session, no SHA of its own.
	_, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Edit",
		Operation: store.OpModify,
		FilePath:  strp("src/helper.go"),
		SessionID: strp("sess-1"),
	})
	require.NoError(t, err)

	_, err = s.AppendEvent(ctx, store.AppendInput{
		ToolName:     "Bash",
		Operation:    store.OpCommit,
		SessionID:    strp("sess-1"),
		GitCommitSHA: strp(sha),
	})
	require.NoError(t, err)

	// Unrelated session stays out.
	_, err = s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Edit",
		Operation: store.OpModify,
		SessionID: strp("sess-2"),
	})
	require.NoError(t, err)

	result, err := c.Correlate(ctx, Request{Commits: []string{sha}})
	require.NoError(t, err)

	require.Len(t, result.Commits, 1)
	items := result.Commits[0].Items
	require.Len(t, items, 2)
	assert.Equal(t, TierMedium, items[0].Tier)
	assert.Equal(t, TierHigh, items[1].Tier)
}

func TestCorrelateLowTierWindow(t *testing.T) {
	c, s := newTestCorrelator(t)
	ctx := context.Background()

	commitTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Inside the pre-commit window, touching the committed file.
	_, err := s.AppendEvent(ctx, store.AppendInput{
		Timestamp: commitTime.Add(-3 * time.Minute).Format(time.RFC3339),
		ToolName:  "Edit",
		Operation: store.OpModify,
		FilePath:  strp("src/api.go"),
	})
	require.NoError(t, err)

	// Inside the window but a file the commit did not touch.
	_, err = s.AppendEvent(ctx, store.AppendInput{
		Timestamp: commitTime.Add(-2 * time.Minute).Format(time.RFC3339),
		ToolName:  "Edit",
		Operation: store.OpModify,
		FilePath:  strp("docs/notes.md"),
	})
	require.NoError(t, err)

	// Outside the window.
	_, err = s.AppendEvent(ctx, store.AppendInput{
		Timestamp: commitTime.Add(-20 * time.Minute).Format(time.RFC3339),
		ToolName:  "Edit",
		Operation: store.OpModify,
		FilePath:  strp("src/api.go"),
	})
	require.NoError(t, err)

	// The commit itself, anchoring the window and the file set.
	_, err = s.AppendEvent(ctx, store.AppendInput{
		Timestamp:    commitTime.Format(time.RFC3339),
		ToolName:     "Bash",
		Operation:    store.OpCommit,
		FilePath:     strp("src/api.go"),
		GitCommitSHA: strp(sha),
	})
	require.NoError(t, err)

	result, err := c.Correlate(ctx, Request{Commits: []string{sha}})
	require.NoError(t, err)

	require.Len(t, result.Commits, 1)
	items := result.Commits[0].Items
	require.Len(t, items, 2)
	assert.Equal(t, int64(1), items[0].Event.ID)
	assert.Equal(t, TierLow, items[0].Tier)
	assert.Equal(t, TierHigh, items[1].Tier)
}

func TestCorrelateCoverageOverWindow(t *testing.T) {
	c, s := newTestCorrelator(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Two matched (direct SHA), two unmatched in the same window.
	for i, in := range []store.AppendInput{
		{ToolName: "Edit", Operation: store.OpModify, GitCommitSHA: strp(sha)},
		{ToolName: "Edit", Operation: store.OpModify, GitCommitSHA: strp(sha)},
		{ToolName: "Read", Operation: store.OpUnknown},
		{ToolName: "Grep", Operation: store.OpUnknown},
	} {
		in.Timestamp = base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		_, err := s.AppendEvent(ctx, in)
		require.NoError(t, err)
	}

	result, err := c.Correlate(ctx, Request{
		Commits:   []string{sha},
		StartTime: base.Format(time.RFC3339),
		EndTime:   base.Add(time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(4), result.TotalEvents)
	assert.Equal(t, int64(2), result.UnmatchedCount)
	assert.InDelta(t, 50.0, result.CoveragePct, 0.01)
}

func TestCorrelateDedupAcrossCommits(t *testing.T) {
	c, s := newTestCorrelator(t)
	ctx := context.Background()

	other := "ffff0000ffff0000ffff0000ffff0000ffff0000"

	// Session sibling of both commits, direct on neither.
	_, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Edit",
		Operation: store.OpModify,
		SessionID: strp("sess-1"),
	})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, store.AppendInput{
		ToolName:     "Bash",
		Operation:    store.OpCommit,
		SessionID:    strp("sess-1"),
		GitCommitSHA: strp(sha),
	})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, store.AppendInput{
		ToolName:     "Bash",
		Operation:    store.OpCommit,
		SessionID:    strp("sess-1"),
		GitCommitSHA: strp(other),
	})
	require.NoError(t, err)

	result, err := c.Correlate(ctx, Request{Commits: []string{sha, other}})
	require.NoError(t, err)

	require.Len(t, result.Commits, 2)
	// Aggregate session list counts sess-1 once.
	assert.Equal(t, []string{"sess-1"}, result.Summary.Sessions)
	// Each Bash commit event is high on its own commit, medium on the other.
	assert.Equal(t, 3, result.Summary.ToolOperations["Bash"]+result.Summary.ToolOperations["Edit"])
}

func TestCorrelateVerificationFlags(t *testing.T) {
	c, s := newTestCorrelator(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:     "Bash",
		Operation:    store.OpExecute,
		SessionID:    strp("sess-1"),
		GitCommitSHA: strp(sha),
		Metadata:     strp(`{"command_category":"test","command":"go test ./..."}`),
	})
	require.NoError(t, err)

	_, err = s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Bash",
		Operation: store.OpExecute,
		SessionID: strp("sess-1"),
		Metadata:  strp(`{"command_category":"build","command":"go build ./..."}`),
	})
	require.NoError(t, err)

	result, err := c.Correlate(ctx, Request{Commits: []string{sha}})
	require.NoError(t, err)

	assert.True(t, result.Verification.TestsExecuted)
	assert.True(t, result.Verification.BuildSucceeded)
	assert.True(t, result.Verification.ChainVerified)
}

func TestCorrelateEmptyResult(t *testing.T) {
	c, s := newTestCorrelator(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Edit",
		Operation: store.OpModify,
	})
	require.NoError(t, err)

	result, err := c.Correlate(ctx, Request{Commits: []string{sha}})
	require.NoError(t, err)

	require.Len(t, result.Commits, 1)
	assert.Empty(t, result.Commits[0].Items)
	assert.Zero(t, result.CoveragePct)
	assert.False(t, result.Verification.ChainVerified)
}

func TestCorrelateRequiresCommits(t *testing.T) {
	c, _ := newTestCorrelator(t)
	_, err := c.Correlate(context.Background(), Request{PRID: 1})
	assert.Error(t, err)
}

func TestCorrelateRejectsBadWindow(t *testing.T) {
	c, _ := newTestCorrelator(t)
	_, err := c.Correlate(context.Background(), Request{
		Commits:   []string{sha},
		StartTime: "last tuesday",
		EndTime:   "2026-03-01T12:00:00Z",
	})
	assert.Error(t, err)
}

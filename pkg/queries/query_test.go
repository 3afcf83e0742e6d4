package queries

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func withClock(t *testing.T) {
	t.Helper()
	prev := clock
	clock = func() time.Time { return fixedNow }
	t.Cleanup(func() { clock = prev })
}

func newMock(t *testing.T) (sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, db
}

func day(d int) time.Time {
	return time.Date(2024, 6, d, 9, 30, 0, 0, time.UTC)
}

type fakeSource map[string][][]byte

func (f fakeSource) Await(_ context.Context, query string, repos []int64) ([][]byte, error) {
	blobs, ok := f[query]
	if !ok {
		return nil, errors.New("not cached")
	}
	return blobs, nil
}

func TestIssuesRunSplitsFiltersAndSorts(t *testing.T) {
	withClock(t)
	mock, db := newMock(t)

	closed := day(5)
	mock.ExpectQuery(`FROM augur_data.issues i`).
		WithArgs(pq.Array([]int64{1, 2, 3})).
		WillReturnRows(sqlmock.NewRows([]string{"repo_id", "repo_name", "issue_id", "created_at", "closed_at"}).
			AddRow(1, "augur", 11, day(4), closed).
			AddRow(2, "grimoirelab", 21, day(2), nil).
			AddRow(1, "augur", 10, day(1), nil).
			AddRow(1, "augur", 12, fixedNow.Add(-time.Hour), nil))

	blobs, err := Issues.Run(context.Background(), db, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, blobs, 3)

	repo1, err := Issues.Decode(blobs[1])
	require.NoError(t, err)
	require.Len(t, repo1, 2, "rows created today are dropped")
	assert.Equal(t, int64(10), repo1[0].IssueID)
	assert.Nil(t, repo1[0].ClosedAt)
	assert.Equal(t, int64(11), repo1[1].IssueID)
	require.NotNil(t, repo1[1].ClosedAt)
	assert.True(t, closed.Equal(*repo1[1].ClosedAt))
	assert.Equal(t, "augur", repo1[1].RepoName)

	repo2, err := Issues.Decode(blobs[2])
	require.NoError(t, err)
	assert.Len(t, repo2, 1)

	repo3, err := Issues.Decode(blobs[3])
	require.NoError(t, err)
	assert.Empty(t, repo3)
	assert.NotEmpty(t, blobs[3], "empty repos still get a blob")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunEmptyRepos(t *testing.T) {
	mock, db := newMock(t)

	blobs, err := Releases.Run(context.Background(), db, nil)
	assert.NoError(t, err)
	assert.Nil(t, blobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunQueryError(t *testing.T) {
	mock, db := newMock(t)
	mock.ExpectQuery(`FROM augur_data.releases`).WillReturnError(errors.New("connection reset"))

	_, err := Releases.Run(context.Background(), db, []int64{7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "releases: query")
}

func TestNullTextAndCountsScanAsZero(t *testing.T) {
	withClock(t)
	mock, db := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(`FROM augur_data.issues i`).
		WillReturnRows(sqlmock.NewRows([]string{"repo_id", "repo_name", "issue_id", "created_at", "closed_at"}).
			AddRow(1, nil, 10, day(1), nil))
	issues, err := Issues.Run(ctx, db, []int64{1})
	require.NoError(t, err)
	rows, err := Issues.Decode(issues[1])
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "", rows[0].RepoName)

	mock.ExpectQuery(`FROM augur_data.pull_requests pr`).
		WillReturnRows(sqlmock.NewRows([]string{"repo_id", "repo_name", "pull_request_id", "created_at", "closed_at", "merged_at"}).
			AddRow(1, nil, 20, day(2), nil, nil))
	_, err = PullRequests.Run(ctx, db, []int64{1})
	require.NoError(t, err)

	mock.ExpectQuery(`FROM augur_data.pull_request_reviews rv`).
		WillReturnRows(sqlmock.NewRows([]string{"repo_id", "pull_request_id", "reviewer_id", "state", "submitted_at"}).
			AddRow(1, 20, "", nil, day(3)))
	reviews, err := PRReviews.Run(ctx, db, []int64{1})
	require.NoError(t, err)
	got, err := PRReviews.Decode(reviews[1])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "", got[0].State)

	mock.ExpectQuery(`FROM augur_data.commits`).
		WillReturnRows(sqlmock.NewRows([]string{"repo_id", "hash", "author_ts", "lines_added", "lines_removed"}).
			AddRow(1, "abc123", day(4), nil, 7))
	commits, err := Commits.Run(ctx, db, []int64{1})
	require.NoError(t, err)
	cs, err := Commits.Decode(commits[1])
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, int64(0), cs[0].LinesAdded)
	assert.Equal(t, int64(7), cs[0].LinesRemoved)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContributorsNormalizesActions(t *testing.T) {
	withClock(t)
	mock, db := newMock(t)
	mock.ExpectQuery(`FROM augur_data.explorer_contributor_actions`).
		WillReturnRows(sqlmock.NewRows([]string{"repo_id", "repo_name", "cntrb_id", "created_at", "login", "action", "rank"}).
			AddRow(5, "augur", "01000000-0000", day(3), "alice", "pull_request_review_APPROVED", 2).
			AddRow(5, "augur", "01000000-0000", day(1), "alice", "commit", 1).
			AddRow(5, "augur", "02000000-0000", day(2), "dependabot[bot]", "star", 1))

	blobs, err := Contributors.Run(context.Background(), db, []int64{5})
	require.NoError(t, err)

	rows, err := Contributors.Decode(blobs[5])
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Commit", rows[0].Action)
	assert.Equal(t, "star", rows[1].Action)
	assert.Equal(t, "PR Review", rows[2].Action)
	assert.Equal(t, int64(2), rows[2].Rank)
}

func TestBusFactorOrdering(t *testing.T) {
	mock, db := newMock(t)
	mock.ExpectQuery(`WITH contributions AS`).
		WillReturnRows(sqlmock.NewRows([]string{"repo_id", "cntrb_id", "contributions", "total_contributions", "rank"}).
			AddRow(1, "b", 3, 10, 2).
			AddRow(1, "a", 7, 10, 1))

	blobs, err := BusFactors.Run(context.Background(), db, []int64{1})
	require.NoError(t, err)

	rows, err := BusFactors.Decode(blobs[1])
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].CntrbID)
	assert.Equal(t, int64(10), rows[0].TotalContributions)
}

func TestLoadMergesRepos(t *testing.T) {
	a, err := Releases.Encode([]Release{{RepoID: 1, ReleaseID: "v2", PublishedAt: day(5)}})
	require.NoError(t, err)
	b, err := Releases.Encode([]Release{{RepoID: 2, ReleaseID: "v1", PublishedAt: day(1)}})
	require.NoError(t, err)

	rows, err := Load(context.Background(), fakeSource{"releases": {a, b}}, Releases, []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "v1", rows[0].ReleaseID)
	assert.Equal(t, "v2", rows[1].ReleaseID)

	_, err = Load(context.Background(), fakeSource{}, Releases, []int64{1})
	assert.Error(t, err)

	_, err = Load(context.Background(), fakeSource{"releases": {a}}, Releases, []int64{1, 2})
	assert.Error(t, err)
}

func TestDecodeSchemaMismatch(t *testing.T) {
	blob, err := Releases.Encode(nil)
	require.NoError(t, err)

	_, err = Forks.Decode(blob)
	assert.ErrorContains(t, err, "schema mismatch")
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{
		"bus_factor", "commits", "contributors", "forks", "issues",
		"pr_response", "pr_reviews", "prs", "releases",
	}, Names())
	assert.Len(t, All(), 9)

	r, ok := Lookup("forks")
	require.True(t, ok)
	assert.Equal(t, "forks", r.Name())

	_, ok = Lookup("stars")
	assert.False(t, ok)
}

func TestNormalizeAction(t *testing.T) {
	tests := map[string]string{
		"pull_request_open":                     "PR Opened",
		"pull_request_comment":                  "PR Comment",
		"pull_request_closed":                   "PR Closed",
		"pull_request_merged":                   "PR Merged",
		"pull_request_review_COMMENTED":         "PR Review",
		"pull_request_review_CHANGES_REQUESTED": "PR Review",
		"pull_request_review_DISMISSED":         "PR Review",
		"issue_opened":                          "Issue Opened",
		"issue_closed":                          "Issue Closed",
		"issue_comment":                         "Issue Comment",
		"commit":                                "Commit",
		"fork":                                  "fork",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeAction(in), in)
	}
}

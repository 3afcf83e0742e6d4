package queries

import (
	"time"
)

// Contributor is one action taken by a contributor on a repo
type Contributor struct {
	RepoID    int64
	RepoName  string
	CntrbID   string
	CreatedAt time.Time
	Login     string
	Action    string
	Rank      int64
}

// Issue excludes pull requests, which Augur also stores as issues
type Issue struct {
	RepoID    int64
	RepoName  string
	IssueID   int64
	CreatedAt time.Time
	ClosedAt  *time.Time
}

type PullRequest struct {
	RepoID        int64
	RepoName      string
	PullRequestID int64
	CreatedAt     time.Time
	ClosedAt      *time.Time
	MergedAt      *time.Time
}

// PRResponse is the delay between opening a closed pull request and the
// first message from someone other than its author.
type PRResponse struct {
	RepoID        int64
	PullRequestID int64
	ClosedAt      time.Time
	ResponseHours float64
}

type PRReview struct {
	RepoID        int64
	PullRequestID int64
	ReviewerID    string
	State         string
	SubmittedAt   time.Time
}

type Release struct {
	RepoID      int64
	ReleaseID   string
	PublishedAt time.Time
}

// Fork is a tracked repo whose parent is one of the requested repos
type Fork struct {
	RepoID  int64
	ForkID  int64
	Created time.Time
}

// Commit aggregates Augur's per-file commit rows by hash
type Commit struct {
	RepoID          int64
	Hash            string
	AuthorTimestamp time.Time
	LinesAdded      int64
	LinesRemoved    int64
}

// BusFactor is one contributor's share of a repo's actions
type BusFactor struct {
	RepoID             int64
	CntrbID            string
	Contributions      int64
	TotalContributions int64
	Rank               int64
}

var Contributors = register(&Query[Contributor]{
	name: "contributors",
	SQL: `
		SELECT
			repo_id,
			COALESCE(repo_name, '') AS repo_name,
			cntrb_id::text AS cntrb_id,
			created_at,
			COALESCE(login, '') AS login,
			action,
			rank
		FROM augur_data.explorer_contributor_actions
		WHERE repo_id = ANY($1)`,
	Columns: []Column[Contributor]{
		Int64("repo_id", func(r *Contributor) *int64 { return &r.RepoID }),
		String("repo_name", func(r *Contributor) *string { return &r.RepoName }),
		String("cntrb_id", func(r *Contributor) *string { return &r.CntrbID }),
		Time("created_at", func(r *Contributor) *time.Time { return &r.CreatedAt }),
		String("login", func(r *Contributor) *string { return &r.Login }),
		String("action", func(r *Contributor) *string { return &r.Action }),
		Int64("rank", func(r *Contributor) *int64 { return &r.Rank }),
	},
	RepoID:    func(r *Contributor) int64 { return r.RepoID },
	Date:      func(r *Contributor) time.Time { return r.CreatedAt },
	Normalize: func(r *Contributor) { r.Action = NormalizeAction(r.Action) },
})

var Issues = register(&Query[Issue]{
	name: "issues",
	SQL: `
		SELECT
			r.repo_id,
			COALESCE(r.repo_name, '') AS repo_name,
			i.issue_id,
			i.created_at,
			i.closed_at
		FROM augur_data.issues i
		JOIN augur_data.repo r ON r.repo_id = i.repo_id
		WHERE i.repo_id = ANY($1)
			AND i.pull_request IS NULL
			AND i.created_at IS NOT NULL`,
	Columns: []Column[Issue]{
		Int64("repo_id", func(r *Issue) *int64 { return &r.RepoID }),
		String("repo_name", func(r *Issue) *string { return &r.RepoName }),
		Int64("issue_id", func(r *Issue) *int64 { return &r.IssueID }),
		Time("created_at", func(r *Issue) *time.Time { return &r.CreatedAt }),
		NullTime("closed_at", func(r *Issue) **time.Time { return &r.ClosedAt }),
	},
	RepoID: func(r *Issue) int64 { return r.RepoID },
	Date:   func(r *Issue) time.Time { return r.CreatedAt },
})

var PullRequests = register(&Query[PullRequest]{
	name: "prs",
	SQL: `
		SELECT
			r.repo_id,
			COALESCE(r.repo_name, '') AS repo_name,
			pr.pull_request_id,
			pr.pr_created_at,
			pr.pr_closed_at,
			pr.pr_merged_at
		FROM augur_data.pull_requests pr
		JOIN augur_data.repo r ON r.repo_id = pr.repo_id
		WHERE pr.repo_id = ANY($1)
			AND pr.pr_created_at IS NOT NULL`,
	Columns: []Column[PullRequest]{
		Int64("repo_id", func(r *PullRequest) *int64 { return &r.RepoID }),
		String("repo_name", func(r *PullRequest) *string { return &r.RepoName }),
		Int64("pull_request_id", func(r *PullRequest) *int64 { return &r.PullRequestID }),
		Time("created_at", func(r *PullRequest) *time.Time { return &r.CreatedAt }),
		NullTime("closed_at", func(r *PullRequest) **time.Time { return &r.ClosedAt }),
		NullTime("merged_at", func(r *PullRequest) **time.Time { return &r.MergedAt }),
	},
	RepoID: func(r *PullRequest) int64 { return r.RepoID },
	Date:   func(r *PullRequest) time.Time { return r.CreatedAt },
})

var PRResponses = register(&Query[PRResponse]{
	name: "pr_response",
	SQL: `
		SELECT
			pr.repo_id,
			pr.pull_request_id,
			pr.pr_closed_at,
			EXTRACT(EPOCH FROM MIN(m.msg_timestamp) - pr.pr_created_at) / 3600.0 AS response_hours
		FROM augur_data.pull_requests pr
		JOIN augur_data.pull_request_message_ref ref ON ref.pull_request_id = pr.pull_request_id
		JOIN augur_data.message m ON m.msg_id = ref.msg_id
		WHERE pr.repo_id = ANY($1)
			AND pr.pr_closed_at IS NOT NULL
			AND m.cntrb_id IS DISTINCT FROM pr.pr_augur_contributor_id
		GROUP BY pr.repo_id, pr.pull_request_id, pr.pr_created_at, pr.pr_closed_at`,
	Columns: []Column[PRResponse]{
		Int64("repo_id", func(r *PRResponse) *int64 { return &r.RepoID }),
		Int64("pull_request_id", func(r *PRResponse) *int64 { return &r.PullRequestID }),
		Time("closed_at", func(r *PRResponse) *time.Time { return &r.ClosedAt }),
		Float64("response_hours", func(r *PRResponse) *float64 { return &r.ResponseHours }),
	},
	RepoID: func(r *PRResponse) int64 { return r.RepoID },
	Date:   func(r *PRResponse) time.Time { return r.ClosedAt },
})

var PRReviews = register(&Query[PRReview]{
	name: "pr_reviews",
	SQL: `
		SELECT
			pr.repo_id,
			rv.pull_request_id,
			COALESCE(rv.cntrb_id::text, '') AS reviewer_id,
			COALESCE(rv.pr_review_state, '') AS pr_review_state,
			rv.pr_review_submitted_at
		FROM augur_data.pull_request_reviews rv
		JOIN augur_data.pull_requests pr ON pr.pull_request_id = rv.pull_request_id
		WHERE pr.repo_id = ANY($1)
			AND rv.pr_review_submitted_at IS NOT NULL`,
	Columns: []Column[PRReview]{
		Int64("repo_id", func(r *PRReview) *int64 { return &r.RepoID }),
		Int64("pull_request_id", func(r *PRReview) *int64 { return &r.PullRequestID }),
		String("reviewer_id", func(r *PRReview) *string { return &r.ReviewerID }),
		String("state", func(r *PRReview) *string { return &r.State }),
		Time("submitted_at", func(r *PRReview) *time.Time { return &r.SubmittedAt }),
	},
	RepoID: func(r *PRReview) int64 { return r.RepoID },
	Date:   func(r *PRReview) time.Time { return r.SubmittedAt },
})

var Releases = register(&Query[Release]{
	name: "releases",
	SQL: `
		SELECT
			repo_id,
			TRIM(release_id) AS release_id,
			release_published_at
		FROM augur_data.releases
		WHERE repo_id = ANY($1)
			AND release_published_at IS NOT NULL`,
	Columns: []Column[Release]{
		Int64("repo_id", func(r *Release) *int64 { return &r.RepoID }),
		String("release_id", func(r *Release) *string { return &r.ReleaseID }),
		Time("published_at", func(r *Release) *time.Time { return &r.PublishedAt }),
	},
	RepoID: func(r *Release) int64 { return r.RepoID },
	Date:   func(r *Release) time.Time { return r.PublishedAt },
})

// Forks matches forked_from ("owner/name") against the path of the parent's git URL
var Forks = register(&Query[Fork]{
	name: "forks",
	SQL: `
		SELECT
			p.repo_id,
			f.repo_id AS fork_id,
			f.repo_added AS created
		FROM augur_data.repo f
		JOIN augur_data.repo p
			ON f.forked_from = regexp_replace(p.repo_git, '^[a-z]+://[^/]+/|\.git$', '', 'g')
		WHERE p.repo_id = ANY($1)
			AND f.forked_from != 'Parent not available'
			AND f.repo_added IS NOT NULL`,
	Columns: []Column[Fork]{
		Int64("repo_id", func(r *Fork) *int64 { return &r.RepoID }),
		Int64("fork_id", func(r *Fork) *int64 { return &r.ForkID }),
		Time("created", func(r *Fork) *time.Time { return &r.Created }),
	},
	RepoID: func(r *Fork) int64 { return r.RepoID },
	Date:   func(r *Fork) time.Time { return r.Created },
})

var Commits = register(&Query[Commit]{
	name: "commits",
	SQL: `
		SELECT
			repo_id,
			cmt_commit_hash,
			MIN(cmt_author_timestamp) AS author_ts,
			COALESCE(SUM(cmt_added), 0)::bigint AS lines_added,
			COALESCE(SUM(cmt_removed), 0)::bigint AS lines_removed
		FROM augur_data.commits
		WHERE repo_id = ANY($1)
			AND cmt_author_timestamp IS NOT NULL
		GROUP BY repo_id, cmt_commit_hash`,
	Columns: []Column[Commit]{
		Int64("repo_id", func(r *Commit) *int64 { return &r.RepoID }),
		String("hash", func(r *Commit) *string { return &r.Hash }),
		Time("author_ts", func(r *Commit) *time.Time { return &r.AuthorTimestamp }),
		Count("lines_added", func(r *Commit) *int64 { return &r.LinesAdded }),
		Count("lines_removed", func(r *Commit) *int64 { return &r.LinesRemoved }),
	},
	RepoID: func(r *Commit) int64 { return r.RepoID },
	Date:   func(r *Commit) time.Time { return r.AuthorTimestamp },
})

var BusFactors = register(&Query[BusFactor]{
	name: "bus_factor",
	SQL: `
		WITH contributions AS (
			SELECT repo_id, cntrb_id, COUNT(*) AS contributions
			FROM augur_data.explorer_contributor_actions
			WHERE repo_id = ANY($1)
			GROUP BY repo_id, cntrb_id
		)
		SELECT
			repo_id,
			cntrb_id::text AS cntrb_id,
			contributions,
			SUM(contributions) OVER (PARTITION BY repo_id)::bigint AS total_contributions,
			RANK() OVER (PARTITION BY repo_id ORDER BY contributions DESC) AS rank
		FROM contributions`,
	Columns: []Column[BusFactor]{
		Int64("repo_id", func(r *BusFactor) *int64 { return &r.RepoID }),
		String("cntrb_id", func(r *BusFactor) *string { return &r.CntrbID }),
		Int64("contributions", func(r *BusFactor) *int64 { return &r.Contributions }),
		Int64("total_contributions", func(r *BusFactor) *int64 { return &r.TotalContributions }),
		Int64("rank", func(r *BusFactor) *int64 { return &r.Rank }),
	},
	RepoID: func(r *BusFactor) int64 { return r.RepoID },
	Less: func(a, b *BusFactor) bool {
		if a.RepoID != b.RepoID {
			return a.RepoID < b.RepoID
		}
		if a.Contributions != b.Contributions {
			return a.Contributions > b.Contributions
		}
		return a.CntrbID < b.CntrbID
	},
})

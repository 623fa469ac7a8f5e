// Package evidence correlates captured events with the commits of a
// pull request, grading each event by how directly it ties to a commit
// and summarizing what the sessions did around them.
package evidence

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"diachron/internal/logging"
	"diachron/internal/store"
)

// Tier grades how directly an event ties to a commit.
type Tier string

const (
	// TierHigh: the event was recorded against this commit SHA.
	TierHigh Tier = "high"

	// TierMedium: the event shares a session with a high-tier event.
	TierMedium Tier = "medium"

	// TierLow: the event fell in the pre-commit window and touched a
	// committed file.
	TierLow Tier = "low"
)

var tierRank = map[Tier]int{TierHigh: 3, TierMedium: 2, TierLow: 1}

// lowTierWindow is how far before the commit low-tier correlation
// looks.
const lowTierWindow = 5 * time.Minute

// Request describes one pull request to correlate.
type Request struct {
	// PRID identifies the pull request. Informational.
	PRID int64

	// Commits are the full commit hashes of the PR. Required.
	Commits []string

	// Branch is the PR branch name. Informational.
	Branch string

	// StartTime and EndTime bound the PR's working window, RFC 3339.
	// Coverage is computed against all events in this window.
	StartTime string
	EndTime   string

	// Intent, when known, is echoed into the result.
	Intent string
}

// Item is one correlated event.
type Item struct {
	Event *store.Event `json:"event"`
	Tier  Tier         `json:"tier"`
}

// CommitEvidence binds one commit to its supporting events.
type CommitEvidence struct {
	SHA   string `json:"sha"`
	Items []Item `json:"items"`
}

// Summary aggregates the correlated events across all commits.
type Summary struct {
	FilesChanged   int            `json:"files_changed"`
	LinesAdded     int            `json:"lines_added"`
	LinesRemoved   int            `json:"lines_removed"`
	ToolOperations map[string]int `json:"tool_operations"`
	Sessions       []string       `json:"sessions"`
}

// Verification carries the integrity flags for the evidence window.
type Verification struct {
	// ChainVerified is true when the hash chain over the correlated
	// events checked out.
	ChainVerified bool `json:"chain_verified"`

	// TestsExecuted is true when a test command ran among the
	// correlated events.
	TestsExecuted bool `json:"tests_executed"`

	// BuildSucceeded is true when a build command ran among the
	// correlated events.
	BuildSucceeded bool `json:"build_succeeded"`

	// HumanReviewed is never set by the daemon; consumers flip it
	// after an actual review.
	HumanReviewed bool `json:"human_reviewed"`
}

// Result is the full evidence report for one pull request.
type Result struct {
	PRID           int64            `json:"pr_id"`
	Branch         string           `json:"branch,omitempty"`
	Intent         string           `json:"intent,omitempty"`
	Commits        []CommitEvidence `json:"commits"`
	Summary        Summary          `json:"summary"`
	CoveragePct    float64          `json:"coverage_pct"`
	UnmatchedCount int64            `json:"unmatched_count"`
	TotalEvents    int64            `json:"total_events"`
	Verification   Verification     `json:"verification"`
}

// Correlator builds evidence reports.
type Correlator struct {
	store *store.Store
	log   *logging.Logger
}

// New creates a correlator.
func New(s *store.Store, log *logging.Logger) *Correlator {
	if log == nil {
		log = logging.Default()
	}
	return &Correlator{store: s, log: log.WithComponent("evidence")}
}

// Correlate collects and grades the events supporting each commit of a
// pull request. Commit time and touched files are derived from the
// directly attributed events; the daemon has no access to git itself.
func (c *Correlator) Correlate(ctx context.Context, req Request) (*Result, error) {
	if len(req.Commits) == 0 {
		return nil, fmt.Errorf("evidence: at least one commit is required")
	}

	result := &Result{
		PRID:    req.PRID,
		Branch:  req.Branch,
		Intent:  req.Intent,
		Commits: make([]CommitEvidence, 0, len(req.Commits)),
	}

	// Highest tier wins when an event qualifies more than once, both
	// within a commit and across commits.
	global := make(map[int64]*Item)

	for _, sha := range req.Commits {
		items, err := c.correlateCommit(ctx, sha)
		if err != nil {
			return nil, err
		}
		for i := range items {
			item := items[i]
			if existing, ok := global[item.Event.ID]; ok {
				if tierRank[item.Tier] > tierRank[existing.Tier] {
					existing.Tier = item.Tier
				}
			} else {
				global[item.Event.ID] = &item
			}
		}
		result.Commits = append(result.Commits, CommitEvidence{SHA: sha, Items: items})
	}

	matched := make([]Item, 0, len(global))
	var minID, maxID int64
	for _, item := range global {
		matched = append(matched, *item)
		if minID == 0 || item.Event.ID < minID {
			minID = item.Event.ID
		}
		if item.Event.ID > maxID {
			maxID = item.Event.ID
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Event.ID < matched[j].Event.ID
	})

	result.Summary = summarize(matched)
	result.Verification = c.verify(ctx, matched, minID, maxID)

	if err := c.coverage(ctx, req, matched, result); err != nil {
		return nil, err
	}
	return result, nil
}

// correlateCommit grades the events tied to one commit.
func (c *Correlator) correlateCommit(ctx context.Context, sha string) ([]Item, error) {
	byID := make(map[int64]*Item)
	add := func(ev *store.Event, tier Tier) {
		if existing, ok := byID[ev.ID]; ok {
			if tierRank[tier] > tierRank[existing.Tier] {
				existing.Tier = tier
			}
			return
		}
		byID[ev.ID] = &Item{Event: ev, Tier: tier}
	}

	// High: direct SHA attribution. These also tell us when the commit
	// happened and which files it touched.
	direct, err := c.store.EventsByCommitSHA(ctx, sha)
	if err != nil {
		return nil, err
	}
	sessions := make(map[string]bool)
	committedFiles := make(map[string]bool)
	var commitTime string
	for _, ev := range direct {
		add(ev, TierHigh)
		if ev.SessionID != nil {
			sessions[*ev.SessionID] = true
		}
		if ev.FilePath != nil {
			committedFiles[*ev.FilePath] = true
		}
		if ev.Timestamp > commitTime {
			commitTime = ev.Timestamp
		}
	}

	// Medium: session siblings of high-tier events.
	for sessionID := range sessions {
		siblings, err := c.store.EventsBySession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		for _, ev := range siblings {
			add(ev, TierMedium)
		}
	}

	// Low: pre-commit window touching committed files.
	if commitTime != "" && len(committedFiles) > 0 {
		ct, err := time.Parse(time.RFC3339, commitTime)
		if err == nil {
			start := ct.Add(-lowTierWindow).UTC().Format(time.RFC3339)
			windowed, err := c.store.EventsInWindow(ctx, start, commitTime)
			if err != nil {
				return nil, err
			}
			for _, ev := range windowed {
				if ev.FilePath != nil && committedFiles[*ev.FilePath] {
					add(ev, TierLow)
				}
			}
		}
	}

	items := make([]Item, 0, len(byID))
	for _, item := range byID {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Event.ID < items[j].Event.ID
	})
	return items, nil
}

// coverage computes matched / total over the PR window.
func (c *Correlator) coverage(ctx context.Context, req Request, matched []Item, result *Result) error {
	if req.StartTime == "" || req.EndTime == "" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, req.StartTime); err != nil {
		return fmt.Errorf("evidence: invalid start time %q: %v", req.StartTime, err)
	}
	if _, err := time.Parse(time.RFC3339, req.EndTime); err != nil {
		return fmt.Errorf("evidence: invalid end time %q: %v", req.EndTime, err)
	}

	total, err := c.store.CountEventsInWindow(ctx, req.StartTime, req.EndTime)
	if err != nil {
		return err
	}

	var inWindow int64
	for _, item := range matched {
		ts := item.Event.Timestamp
		if ts >= req.StartTime && ts <= req.EndTime {
			inWindow++
		}
	}

	result.TotalEvents = total
	result.UnmatchedCount = total - inWindow
	if total > 0 {
		result.CoveragePct = 100 * float64(inWindow) / float64(total)
	}
	return nil
}

var diffLinePattern = regexp.MustCompile(`\+(\d+)/-(\d+)`)

// summarize aggregates files, line counts, tool usage, and sessions.
func summarize(items []Item) Summary {
	s := Summary{ToolOperations: make(map[string]int)}
	files := make(map[string]bool)
	sessions := make(map[string]bool)

	for _, item := range items {
		ev := item.Event
		if ev.FilePath != nil {
			files[*ev.FilePath] = true
		}
		if ev.SessionID != nil {
			sessions[*ev.SessionID] = true
		}
		s.ToolOperations[ev.ToolName]++

		if ev.DiffSummary != nil {
			if m := diffLinePattern.FindStringSubmatch(*ev.DiffSummary); m != nil {
				added, _ := strconv.Atoi(m[1])
				removed, _ := strconv.Atoi(m[2])
				s.LinesAdded += added
				s.LinesRemoved += removed
			}
		}
	}

	s.FilesChanged = len(files)
	for session := range sessions {
		s.Sessions = append(s.Sessions, session)
	}
	sort.Strings(s.Sessions)
	return s
}

// verify checks chain integrity over the evidence span and scans for
// test and build commands among the correlated events.
func (c *Correlator) verify(ctx context.Context, items []Item, minID, maxID int64) Verification {
	var v Verification

	if len(items) > 0 {
		res, err := c.store.VerifyRange(ctx, minID, maxID)
		if err != nil {
			c.log.Warn("evidence chain verification failed", "error", err)
		} else {
			v.ChainVerified = res.Valid
		}
	}

	for _, item := range items {
		ev := item.Event
		if ev.ToolName != "Bash" {
			continue
		}
		switch store.CommandCategory(ev.MetadataValue("command_category")) {
		case store.CatTest:
			v.TestsExecuted = true
		case store.CatBuild:
			v.BuildSucceeded = true
		}
	}
	return v
}

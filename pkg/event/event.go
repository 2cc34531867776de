// Package event models the GitHub collaboration events that trigger tasks.
//
// Events are a closed set of kinds (issue, pull request, comment) carried in
// a single tagged struct. The scheduler treats events as opaque beyond the
// repository name and JSON round-tripping; the one place that must know the
// kind — posting a reply to the originating thread — switches exhaustively
// on Kind via ThreadNumber.
package event

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the event variant.
type Kind string

// Event kinds.
const (
	KindIssue       Kind = "issue"
	KindPullRequest Kind = "pull_request"
	KindComment     Kind = "comment"
)

// User is a GitHub user.
type User struct {
	Login     string `json:"login"`
	ID        int64  `json:"id"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
}

// Repository is a GitHub repository.
type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Owner         User   `json:"owner"`
	HTMLURL       string `json:"html_url"`
	CloneURL      string `json:"clone_url"`
	SSHURL        string `json:"ssh_url"`
	DefaultBranch string `json:"default_branch"`
}

// Issue is a GitHub issue.
type Issue struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	User      User      `json:"user"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PullRequest is a GitHub pull request. Head and Base carry only the
// branch ref; the rest of the GitHub payload is dropped.
type PullRequest struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	User      User      `json:"user"`
	HTMLURL   string    `json:"html_url"`
	Head      Branch    `json:"head"`
	Base      Branch    `json:"base"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Branch is the ref side of a pull request.
type Branch struct {
	Ref string `json:"ref"`
}

// Comment is a GitHub issue or review comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      User      `json:"user"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is a tagged union over the supported webhook event kinds.
// Exactly the payload fields for the tagged kind are set: Issue for
// KindIssue, PullRequest for KindPullRequest, Comment (plus optionally
// Issue or PullRequest for thread context) for KindComment.
type Event struct {
	Kind   Kind       `json:"kind"`
	Action string     `json:"action"`
	Repo   Repository `json:"repository"`
	Sender User       `json:"sender"`

	// IsTest marks synthetic events: execution is simulated and no
	// notification is ever posted.
	IsTest bool `json:"is_test,omitempty"`

	Issue       *Issue       `json:"issue,omitempty"`
	PullRequest *PullRequest `json:"pull_request,omitempty"`
	Comment     *Comment     `json:"comment,omitempty"`
}

// ThreadNumber returns the issue or PR number a reply should be posted to.
// This is the single point that distinguishes event kinds.
func (e Event) ThreadNumber() (int, error) {
	switch e.Kind {
	case KindIssue:
		if e.Issue == nil {
			return 0, fmt.Errorf("issue event without issue payload")
		}
		return e.Issue.Number, nil
	case KindPullRequest:
		if e.PullRequest == nil {
			return 0, fmt.Errorf("pull request event without pull request payload")
		}
		return e.PullRequest.Number, nil
	case KindComment:
		// Comments carry the parent thread: issue comments have Issue,
		// review comments have PullRequest.
		if e.Issue != nil {
			return e.Issue.Number, nil
		}
		if e.PullRequest != nil {
			return e.PullRequest.Number, nil
		}
		return 0, fmt.Errorf("comment event without parent thread")
	default:
		return 0, fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

// textSources returns the texts searched for @mentions, per kind.
func (e Event) textSources() []string {
	switch e.Kind {
	case KindIssue:
		if e.Issue != nil {
			return []string{e.Issue.Title, e.Issue.Body}
		}
	case KindPullRequest:
		if e.PullRequest != nil {
			return []string{e.PullRequest.Title, e.PullRequest.Body}
		}
	case KindComment:
		var out []string
		if e.Comment != nil {
			out = append(out, e.Comment.Body)
		}
		if e.Issue != nil {
			out = append(out, e.Issue.Title, e.Issue.Body)
		}
		if e.PullRequest != nil {
			out = append(out, e.PullRequest.Title, e.PullRequest.Body)
		}
		return out
	}
	return nil
}

// Mentions reports whether any of the event's text sources @mention user.
func (e Event) Mentions(user string) bool {
	if user == "" {
		return false
	}
	needle := "@" + user
	for _, text := range e.textSources() {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

// TaskContext renders the event into the task description handed to the
// execution agent.
func (e Event) TaskContext() string {
	if e.IsTest {
		return "Test event."
	}

	switch e.Kind {
	case KindIssue:
		if e.Issue == nil {
			break
		}
		return fmt.Sprintf(`GitHub Issue #%d in %s

Title: %s
URL: %s
State: %s
Created by: @%s

Description:
%s

Action: %s
Repository: %s
Clone URL: %s
`,
			e.Issue.Number, e.Repo.FullName,
			e.Issue.Title, e.Issue.HTMLURL, e.Issue.State, e.Issue.User.Login,
			orNone(e.Issue.Body),
			e.Action, e.Repo.FullName, e.Repo.CloneURL)

	case KindPullRequest:
		if e.PullRequest == nil {
			break
		}
		return fmt.Sprintf(`GitHub Pull Request #%d in %s

Title: %s
URL: %s
State: %s
Created by: @%s

Description:
%s

Source Branch: %s
Target Branch: %s

Action: %s
Repository: %s
Clone URL: %s
`,
			e.PullRequest.Number, e.Repo.FullName,
			e.PullRequest.Title, e.PullRequest.HTMLURL, e.PullRequest.State,
			e.PullRequest.User.Login,
			orNone(e.PullRequest.Body),
			e.PullRequest.Head.Ref, e.PullRequest.Base.Ref,
			e.Action, e.Repo.FullName, e.Repo.CloneURL)

	case KindComment:
		if e.Comment == nil {
			break
		}
		var header, parent string
		switch {
		case e.Issue != nil:
			header = fmt.Sprintf("Comment on Issue #%d", e.Issue.Number)
			parent = fmt.Sprintf("\nOriginal Issue:\nTitle: %s\nDescription: %s\nURL: %s\n",
				e.Issue.Title, orNone(e.Issue.Body), e.Issue.HTMLURL)
		case e.PullRequest != nil:
			header = fmt.Sprintf("Comment on Pull Request #%d", e.PullRequest.Number)
			parent = fmt.Sprintf("\nOriginal Pull Request:\nTitle: %s\nDescription: %s\nURL: %s\nSource Branch: %s\nTarget Branch: %s\n",
				e.PullRequest.Title, orNone(e.PullRequest.Body), e.PullRequest.HTMLURL,
				e.PullRequest.Head.Ref, e.PullRequest.Base.Ref)
		default:
			header = "Comment"
		}
		return fmt.Sprintf(`%s in %s

Comment by @%s:
%s

Comment URL: %s
%s
Action: %s
Repository: %s
Clone URL: %s
`,
			header, e.Repo.FullName,
			e.Comment.User.Login, e.Comment.Body, e.Comment.HTMLURL,
			parent,
			e.Action, e.Repo.FullName, e.Repo.CloneURL)
	}

	return fmt.Sprintf("Repository: %s\nAction: %s", e.Repo.FullName, e.Action)
}

func orNone(s string) string {
	if s == "" {
		return "No description provided"
	}
	return s
}

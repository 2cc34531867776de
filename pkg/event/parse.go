package event

import (
	"encoding/json"
	"fmt"
)

// Supported X-GitHub-Event header values.
const (
	headerIssues          = "issues"
	headerPullRequest     = "pull_request"
	headerIssueComment    = "issue_comment"
	headerPRReviewComment = "pull_request_review_comment"
)

// ErrUnsupported reports a webhook event type devhook does not handle.
type ErrUnsupported struct {
	EventType string
}

func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("unsupported webhook event type %q", e.EventType)
}

// rawPayload is the superset of fields across the supported payloads.
type rawPayload struct {
	Action      string       `json:"action"`
	Repository  Repository   `json:"repository"`
	Sender      User         `json:"sender"`
	Issue       *Issue       `json:"issue"`
	PullRequest *PullRequest `json:"pull_request"`
	Comment     *Comment     `json:"comment"`
}

// ParsePayload converts a webhook delivery (X-GitHub-Event header value plus
// body) into an Event. Unsupported event types return *ErrUnsupported.
func ParsePayload(eventType string, body []byte) (Event, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("parse webhook payload: %w", err)
	}

	ev := Event{
		Action: raw.Action,
		Repo:   raw.Repository,
		Sender: raw.Sender,
	}

	switch eventType {
	case headerIssues:
		if raw.Issue == nil {
			return Event{}, fmt.Errorf("issues payload missing issue")
		}
		ev.Kind = KindIssue
		ev.Issue = raw.Issue
	case headerPullRequest:
		if raw.PullRequest == nil {
			return Event{}, fmt.Errorf("pull_request payload missing pull_request")
		}
		ev.Kind = KindPullRequest
		ev.PullRequest = raw.PullRequest
	case headerIssueComment:
		if raw.Comment == nil {
			return Event{}, fmt.Errorf("issue_comment payload missing comment")
		}
		ev.Kind = KindComment
		ev.Comment = raw.Comment
		ev.Issue = raw.Issue
	case headerPRReviewComment:
		if raw.Comment == nil {
			return Event{}, fmt.Errorf("pull_request_review_comment payload missing comment")
		}
		ev.Kind = KindComment
		ev.Comment = raw.Comment
		ev.PullRequest = raw.PullRequest
	default:
		return Event{}, &ErrUnsupported{EventType: eventType}
	}

	return ev, nil
}

// ShouldProcess reports whether an event warrants queuing a task: the action
// must be a creation or edit, and the configured user must be @mentioned.
func ShouldProcess(ev Event, mentionedUser string) bool {
	switch ev.Action {
	case "opened", "created", "edited":
	default:
		return false
	}
	return ev.Mentions(mentionedUser)
}

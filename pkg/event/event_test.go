package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func issueEvent() Event {
	return Event{
		Kind:   KindIssue,
		Action: "opened",
		Repo: Repository{
			FullName: "test-org/test-repo",
			CloneURL: "https://github.com/test-org/test-repo.git",
		},
		Sender: User{Login: "sender"},
		Issue: &Issue{
			Number: 42,
			Title:  "Broken build",
			Body:   "please take a look @devbot",
			State:  "open",
			User:   User{Login: "sender"},
		},
	}
}

func TestThreadNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ev      Event
		want    int
		wantErr bool
	}{
		{name: "issue", ev: issueEvent(), want: 42},
		{
			name: "pull request",
			ev: Event{
				Kind:        KindPullRequest,
				PullRequest: &PullRequest{Number: 7},
			},
			want: 7,
		},
		{
			name: "issue comment",
			ev: Event{
				Kind:    KindComment,
				Comment: &Comment{Body: "hi"},
				Issue:   &Issue{Number: 3},
			},
			want: 3,
		},
		{
			name: "review comment",
			ev: Event{
				Kind:        KindComment,
				Comment:     &Comment{Body: "hi"},
				PullRequest: &PullRequest{Number: 9},
			},
			want: 9,
		},
		{
			name:    "comment without parent",
			ev:      Event{Kind: KindComment, Comment: &Comment{}},
			wantErr: true,
		},
		{
			name:    "issue kind without payload",
			ev:      Event{Kind: KindIssue},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.ev.ThreadNumber()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ThreadNumber: %v", err)
			}
			if got != tt.want {
				t.Errorf("ThreadNumber = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMentions(t *testing.T) {
	t.Parallel()

	ev := issueEvent()
	if !ev.Mentions("devbot") {
		t.Error("expected mention of devbot in issue body")
	}
	if ev.Mentions("someoneelse") {
		t.Error("unexpected mention of someoneelse")
	}
	if ev.Mentions("") {
		t.Error("empty user must never match")
	}

	comment := Event{
		Kind:    KindComment,
		Comment: &Comment{Body: "cc @devbot"},
	}
	if !comment.Mentions("devbot") {
		t.Error("expected mention in comment body")
	}
}

func TestParsePayload(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"action": "created",
		"repository": {"full_name": "test-org/test-repo", "clone_url": "https://github.com/test-org/test-repo.git"},
		"sender": {"login": "sender"},
		"issue": {"number": 12, "title": "T", "body": "ping @devbot"},
		"comment": {"id": 1, "body": "ping @devbot"}
	}`)

	ev, err := ParsePayload("issue_comment", body)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if ev.Kind != KindComment {
		t.Errorf("Kind = %q, want %q", ev.Kind, KindComment)
	}
	if ev.Issue == nil || ev.Issue.Number != 12 {
		t.Error("expected parent issue #12 on comment event")
	}
	n, err := ev.ThreadNumber()
	if err != nil || n != 12 {
		t.Errorf("ThreadNumber = %d, %v; want 12", n, err)
	}
}

func TestParsePayloadUnsupported(t *testing.T) {
	t.Parallel()

	_, err := ParsePayload("workflow_run", []byte(`{}`))
	var unsupported *ErrUnsupported
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected *ErrUnsupported, got %v", err)
	}
	if unsupported.EventType != "workflow_run" {
		t.Errorf("EventType = %q", unsupported.EventType)
	}
}

func TestParsePayloadMissingSection(t *testing.T) {
	t.Parallel()

	// An issues delivery without an issue section is malformed.
	if _, err := ParsePayload("issues", []byte(`{"action":"opened"}`)); err == nil {
		t.Fatal("expected error for issues payload without issue")
	}
}

func TestShouldProcess(t *testing.T) {
	t.Parallel()

	ev := issueEvent()
	if !ShouldProcess(ev, "devbot") {
		t.Error("opened issue mentioning devbot should be processed")
	}

	closed := issueEvent()
	closed.Action = "closed"
	if ShouldProcess(closed, "devbot") {
		t.Error("closed action must not be processed")
	}

	if ShouldProcess(ev, "nobody") {
		t.Error("event without mention must not be processed")
	}
}

func TestTaskContext(t *testing.T) {
	t.Parallel()

	ctx := issueEvent().TaskContext()
	for _, want := range []string{"Issue #42", "test-org/test-repo", "Broken build"} {
		if !strings.Contains(ctx, want) {
			t.Errorf("TaskContext missing %q:\n%s", want, ctx)
		}
	}

	test := Event{Kind: KindIssue, IsTest: true}
	if got := test.TaskContext(); got != "Test event." {
		t.Errorf("test event context = %q", got)
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	t.Parallel()

	// The event crosses the subprocess boundary as JSON; the kind tag and
	// payload pointers must survive.
	ev := issueEvent()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Kind != KindIssue || back.Issue == nil || back.Issue.Number != 42 {
		t.Errorf("round trip lost payload: %+v", back)
	}
	if back.PullRequest != nil || back.Comment != nil {
		t.Error("round trip grew unexpected payloads")
	}
}

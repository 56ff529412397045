package runner

import (
	"errors"
	"testing"
)

func TestConditionEval(t *testing.T) {
	tests := []struct {
		name string
		expr string
		ref  RefMetadata
		want bool
	}{
		{
			name: "empty expression always true",
			expr: "",
			ref:  RefMetadata{Branch: "anything", Event: EventPush},
			want: true,
		},
		{
			name: "branch in set matches",
			expr: "branch IN (master, develop)",
			ref:  RefMetadata{Branch: "develop"},
			want: true,
		},
		{
			name: "branch in set misses",
			expr: "branch IN (master, develop)",
			ref:  RefMetadata{Branch: "feature-x"},
			want: false,
		},
		{
			name: "fork rescues branch miss",
			expr: "branch IN (master, develop) OR fork",
			ref:  RefMetadata{Branch: "feature-x", Fork: true},
			want: true,
		},
		{
			name: "branch equality",
			expr: "branch = master",
			ref:  RefMetadata{Branch: "master"},
			want: true,
		},
		{
			name: "branch inequality",
			expr: "branch != master",
			ref:  RefMetadata{Branch: "master"},
			want: false,
		},
		{
			name: "event type inequality",
			expr: "type != pull_request",
			ref:  RefMetadata{Branch: "master", Event: EventPullRequest},
			want: false,
		},
		{
			name: "and combines",
			expr: "branch = master AND type = push",
			ref:  RefMetadata{Branch: "master", Event: EventPush},
			want: true,
		},
		{
			name: "and fails on second clause",
			expr: "branch = master AND type = push",
			ref:  RefMetadata{Branch: "master", Event: EventCron},
			want: false,
		},
		{
			name: "and binds tighter than or",
			expr: "branch = master AND fork OR branch = develop",
			ref:  RefMetadata{Branch: "develop"},
			want: true,
		},
		{
			name: "parentheses group",
			expr: "branch = master AND (fork OR type = cron)",
			ref:  RefMetadata{Branch: "master", Event: EventCron},
			want: true,
		},
		{
			name: "not inverts",
			expr: "NOT fork",
			ref:  RefMetadata{Branch: "master", Fork: true},
			want: false,
		},
		{
			name: "tag pattern matches anchored",
			expr: `tag =~ ^v\d+\.\d+\.\d+`,
			ref:  RefMetadata{Tag: "v1.32.0"},
			want: true,
		},
		{
			name: "tag pattern is anchored at the end too",
			expr: `tag =~ ^v\d+`,
			ref:  RefMetadata{Tag: "v1-beta"},
			want: false,
		},
		{
			name: "tag pattern never matches an empty tag",
			expr: `tag =~ .*`,
			ref:  RefMetadata{Branch: "master"},
			want: false,
		},
		{
			name: "tag present",
			expr: "tag present",
			ref:  RefMetadata{Tag: "v1.0.0"},
			want: true,
		},
		{
			name: "tag blank",
			expr: "tag blank",
			ref:  RefMetadata{Branch: "master"},
			want: true,
		},
		{
			name: "tag equality",
			expr: "tag = v1.0.0",
			ref:  RefMetadata{Tag: "v1.0.0"},
			want: true,
		},
		{
			name: "lowercase keywords accepted",
			expr: "branch in (master) or fork",
			ref:  RefMetadata{Branch: "master"},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := ParseCondition(tt.expr)
			if err != nil {
				t.Fatalf("ParseCondition(%q): %v", tt.expr, err)
			}
			if got := cond.Eval(tt.ref); got != tt.want {
				t.Errorf("Eval(%q, %+v) = %v, want %v", tt.expr, tt.ref, got, tt.want)
			}
		})
	}
}

func TestConditionEvalIsPure(t *testing.T) {
	cond, err := ParseCondition("branch IN (master, develop) OR fork")
	if err != nil {
		t.Fatal(err)
	}
	ref := RefMetadata{Branch: "feature-x", Fork: true}
	first := cond.Eval(ref)
	for i := 0; i < 100; i++ {
		if cond.Eval(ref) != first {
			t.Fatalf("evaluation %d differed from the first", i)
		}
	}
}

func TestParseConditionErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"unknown field", "commit = abc123"},
		{"dangling operator", "branch = master AND"},
		{"missing closing paren", "(branch = master"},
		{"empty branch set", "branch IN ()"},
		{"missing comparison value", "branch ="},
		{"bad tag pattern", `tag =~ ^v(\d`},
		{"trailing garbage", "fork fork"},
		{"bare operator", "OR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCondition(tt.expr)
			if err == nil {
				t.Fatalf("ParseCondition(%q) succeeded, want error", tt.expr)
			}
			if !errors.Is(err, ErrInvalidExpression) {
				t.Errorf("ParseCondition(%q) error = %v, want ErrInvalidExpression", tt.expr, err)
			}
		})
	}
}

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dlab/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("exp-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	chat, ok := cfg.Stage("group_chat")
	if !ok {
		t.Fatalf("group_chat missing")
	}
	if got := chat.DiscussionIDs(); len(got) != 2 || got[0] != "d1" || got[1] != "d2" {
		t.Fatalf("discussions %v", got)
	}
	if chat.TimeLimit() != 10*time.Minute {
		t.Fatalf("limit %s", chat.TimeLimit())
	}
	if cfg.MaxWait() != 5*time.Minute {
		t.Fatalf("max wait %s", cfg.MaxWait())
	}
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]struct {
		yaml string
		want string
	}{
		"missing id": {
			yaml: "stages:\n  - id: s\n    kind: survey\n",
			want: "experiment.id",
		},
		"chat without discussions": {
			yaml: "experiment: {id: e}\nstages:\n  - id: c\n    kind: chat\n",
			want: "at least one discussion",
		},
		"duplicate stage": {
			yaml: "experiment: {id: e}\nstages:\n  - {id: s, kind: survey}\n  - {id: s, kind: survey}\n",
			want: "declared twice",
		},
		"unknown kind": {
			yaml: "experiment: {id: e}\nstages:\n  - {id: s, kind: poll}\n",
			want: "unknown kind",
		},
		"negative limit": {
			yaml: "experiment: {id: e}\nstages:\n  - id: c\n    kind: chat\n    time_limit_minutes: -1\n    discussions: [{id: d1}]\n",
			want: "negative time limit",
		},
		"lottery on survey": {
			yaml: "experiment: {id: e}\nstages:\n  - id: s\n    kind: survey\n    lottery: {apply_stage: s, apply_question: q, apply_option: y, score_field: x}\n",
			want: "ranking stages only",
		},
		"undeclared performance stage": {
			yaml: "experiment: {id: e}\nstages:\n  - {id: a, kind: survey}\n  - id: r\n    kind: ranking\n    lottery: {apply_stage: a, apply_question: q, apply_option: y, score_field: x, performance_stages: [nope]}\n",
			want: "performance stage nope",
		},
		"empty webhook": {
			yaml: "experiment: {id: e}\nstages:\n  - {id: s, kind: survey}\nwebhooks:\n  - {url: ''}\n",
			want: "empty url",
		},
	}
	for name, tc := range cases {
		_, err := config.FromYAML([]byte(tc.yaml))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: got %v, want error containing %q", name, err, tc.want)
		}
	}
}

func TestExternalStagesSatisfyLottery(t *testing.T) {
	yml := `experiment: {id: e}
external_stages: [baseline]
stages:
  - {id: apply, kind: survey}
  - id: round
    kind: ranking
    lottery:
      apply_stage: apply
      apply_question: q
      apply_option: "yes"
      performance_stages: [baseline]
      score_field: correct
`
	if _, err := config.FromYAML([]byte(yml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exp.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault("from-file")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Experiment.ID != "from-file" {
		t.Fatalf("id %s", cfg.Experiment.ID)
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := config.Default("exp-rt")
	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	back, err := config.FromYAML([]byte(out))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	st, ok := back.Stage("r1_instructions")
	if !ok || st.Lottery == nil || st.Lottery.ApplyOption != "yes" {
		t.Fatalf("lottery lost: %+v", st)
	}
	if back.Experiment.ID != "exp-rt" {
		t.Fatalf("id %q", back.Experiment.ID)
	}
}

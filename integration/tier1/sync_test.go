//go:build integration

package tier1

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/selfupdated/internal/testutil"
)

type scenario struct {
	remote   string
	repo     string
	stateDir string
	config   string
}

func newScenario(t *testing.T, autoApply bool) *scenario {
	t.Helper()
	dir := t.TempDir()
	s := &scenario{
		remote:   testutil.InitRemote(t, "main", map[string]string{"app.py": "v1\n", "settings.ini": "debug=false\n"}),
		repo:     filepath.Join(dir, "app"),
		stateDir: filepath.Join(dir, "state"),
		config:   filepath.Join(dir, "config.yaml"),
	}

	auto := "false"
	if autoApply {
		auto = "true"
	}
	content := `repo:
  path: "` + s.repo + `"
  url: "` + s.remote + `"
paths:
  state_dir: "` + s.stateDir + `"
update:
  poll_interval: 1m
  min_fetch_interval: 1ns
  auto_apply: ` + auto + `
  restart: changed
  managed_files: ["settings.ini"]
services:
  units:
    - {name: app.service, stop_order: 1, start_order: 2}
    - {name: worker.service, stop_order: 2, start_order: 1}
    - {name: selfupdated.service, self: true}
`
	if err := os.WriteFile(s.config, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return s
}

func (s *scenario) args(args ...string) []string {
	return append(args, "--config", s.config, "--log-level", "debug")
}

func TestTier1AutoApply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(ctx, t)
	s := newScenario(t, true)

	t.Run("A_InitialCheckout", func(t *testing.T) {
		h.MustRun(ctx, s.args("check")...)

		if got := testutil.ReadFile(t, filepath.Join(s.repo, "app.py")); got != "v1\n" {
			t.Errorf("expected v1 checked out, got %q", got)
		}
		if testutil.Head(t, s.repo) != testutil.Head(t, s.remote) {
			t.Error("working copy is not at the remote tip")
		}
		assertNoUnitCalls(t, h)
	})

	t.Run("B_CleanUpdateDoesNotRestart", func(t *testing.T) {
		h.ClearShimLog()
		testutil.Commit(t, s.remote, map[string]string{"app.py": "v2\n"}, "Release v2")

		h.MustRun(ctx, s.args("check")...)

		if got := testutil.ReadFile(t, filepath.Join(s.repo, "app.py")); got != "v2\n" {
			t.Errorf("expected v2, got %q", got)
		}
		assertNoUnitCalls(t, h)
	})

	t.Run("C_DirtyUpdateBacksUpAndRestarts", func(t *testing.T) {
		h.ClearShimLog()
		testutil.WriteFile(t, filepath.Join(s.repo, "settings.ini"), "debug=true\n")
		tip := testutil.Commit(t, s.remote, map[string]string{"app.py": "v3\n"}, "Release v3")

		h.MustRun(ctx, s.args("check")...)

		if testutil.Head(t, s.repo) != tip {
			t.Fatal("working copy was not reset to the remote tip")
		}
		if got := testutil.ReadFile(t, filepath.Join(s.repo, "settings.ini")); got != "debug=false\n" {
			t.Errorf("expected tracked settings restored, got %q", got)
		}
		if stash := testutil.Git(t, s.repo, "stash", "list"); !strings.Contains(stash, "selfupdated: before") {
			t.Errorf("expected local modification in the stash, got %q", stash)
		}
		backups, err := filepath.Glob(filepath.Join(s.repo, ".selfupdated", "backups", "settings.ini.*"))
		if err != nil || len(backups) != 1 {
			t.Fatalf("expected one backup, got %v (%v)", backups, err)
		}
		if got := testutil.ReadFile(t, backups[0]); got != "debug=true\n" {
			t.Errorf("backup holds %q", got)
		}

		entries, err := h.ReadShimLog()
		if err != nil {
			t.Fatal(err)
		}
		want := []string{
			"stop app.service",
			"stop worker.service",
			"start worker.service",
			"start app.service",
			"restart --no-block selfupdated.service",
		}
		if got := unitCalls(entries); strings.Join(got, "|") != strings.Join(want, "|") {
			t.Errorf("unit calls = %q, want %q", got, want)
		}
	})

	t.Run("D_NoOpCheck", func(t *testing.T) {
		h.ClearShimLog()
		before := testutil.Head(t, s.repo)

		h.MustRun(ctx, s.args("check")...)

		if testutil.Head(t, s.repo) != before {
			t.Error("no-op check moved HEAD")
		}
		assertNoUnitCalls(t, h)
	})

	t.Run("E_History", func(t *testing.T) {
		out := h.MustRun(ctx, s.args("history", "-n", "10")...)
		if strings.Count(out, "applied") != 2 {
			t.Errorf("expected two applied transactions in history, got:\n%s", out)
		}
	})
}

func TestTier1ApprovalFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(ctx, t)
	s := newScenario(t, false)

	h.MustRun(ctx, s.args("check")...)
	tip := testutil.Commit(t, s.remote, map[string]string{"app.py": "v2\n"}, "Release v2")

	// Detection publishes the update and leaves the working copy alone.
	h.MustRun(ctx, s.args("check")...)
	if testutil.Head(t, s.repo) == tip {
		t.Fatal("update applied without approval")
	}
	if out := h.MustRun(ctx, s.args("pending")...); !strings.Contains(out, "[detected]") {
		t.Fatalf("expected detected pending update, got:\n%s", out)
	}

	if out := h.MustRun(ctx, s.args("apply")...); !strings.Contains(out, "No approved update") {
		t.Errorf("apply must not act before approval, got:\n%s", out)
	}

	h.MustRun(ctx, s.args("approve")...)
	h.MustRun(ctx, s.args("apply")...)

	if testutil.Head(t, s.repo) != tip {
		t.Error("approved update was not applied")
	}
	if out := h.MustRun(ctx, s.args("pending")...); !strings.Contains(out, "No pending update") {
		t.Errorf("mailbox should be empty after apply, got:\n%s", out)
	}

	// approve is refused in automatic mode.
	auto := newScenario(t, true)
	if _, _, code := h.Run(ctx, auto.args("approve")...); code == 0 {
		t.Error("approve must fail when auto_apply is enabled")
	}
}

func assertNoUnitCalls(t *testing.T, h *Harness) {
	t.Helper()
	entries, err := h.ReadShimLog()
	if err != nil {
		t.Fatal(err)
	}
	if calls := unitCalls(entries); len(calls) != 0 {
		t.Errorf("expected no unit calls, got %q", calls)
	}
}

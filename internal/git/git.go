package git

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when a queried ref or remote does not exist
var ErrNotFound = errors.New("not found")

// Commit describes a single commit
type Commit struct {
	Hash        string
	Author      string
	CommittedAt time.Time
	Message     string
}

// Client provides the git operations needed to manage a working copy
type Client interface {
	// IsRepository reports whether dir is the top level of a working copy
	IsRepository(dir string) bool
	// Init creates an empty repository in dir
	Init(ctx context.Context, dir string) error
	// RemoteURL returns the URL configured for remote, or ErrNotFound
	RemoteURL(ctx context.Context, dir, remote string) (string, error)
	// SetRemote adds remote with url, or updates its url if it already exists
	SetRemote(ctx context.Context, dir, remote, url string) error
	// Fetch updates the remote-tracking refs of remote
	Fetch(ctx context.Context, dir, remote string) error
	// LastFetch returns when the repository was last fetched (zero if never)
	LastFetch(dir string) time.Time
	// RemoteDefaultBranch asks the remote which branch its HEAD points at
	RemoteDefaultBranch(ctx context.Context, dir, remote string) (string, error)
	// RemoteHead reads the locally recorded refs/remotes/<remote>/HEAD, or ErrNotFound
	RemoteHead(ctx context.Context, dir, remote string) (string, error)
	// SetRemoteHead records branch as refs/remotes/<remote>/HEAD
	SetRemoteHead(ctx context.Context, dir, remote, branch string) error
	// CurrentBranch returns the checked-out branch, or ErrNotFound when detached
	CurrentBranch(ctx context.Context, dir string) (string, error)
	// RemoteBranches lists branch names that exist as refs/remotes/<remote>/*
	RemoteBranches(ctx context.Context, dir, remote string) ([]string, error)
	// RevParse resolves a revision to a full commit hash
	RevParse(ctx context.Context, dir, rev string) (string, error)
	// CommitInfo returns metadata for a revision
	CommitInfo(ctx context.Context, dir, rev string) (Commit, error)
	// IsDirty reports whether tracked files carry uncommitted modifications
	IsDirty(ctx context.Context, dir string) (bool, error)
	// StashPush sets aside local modifications and reports whether a stash entry was created
	StashPush(ctx context.Context, dir, message string) (bool, error)
	// StashPop reapplies and drops the most recent stash entry
	StashPop(ctx context.Context, dir string) error
	// CheckoutBranch force-points the local branch at <remote>/<branch> and checks it out
	CheckoutBranch(ctx context.Context, dir, remote, branch string) error
	// RestoreBranch force-points branch at rev and checks it out. An empty
	// branch detaches HEAD at rev.
	RestoreBranch(ctx context.Context, dir, branch, rev string) error
	// ResetHard moves HEAD and the working tree to rev, discarding modifications
	ResetHard(ctx context.Context, dir, rev string) error
	// ChangedFiles lists paths that differ between two revisions
	ChangedFiles(ctx context.Context, dir, from, to string) ([]string, error)
	// Exclude adds a pattern to the repository-local exclude file
	Exclude(dir, pattern string) error
}

// CommandError captures a failed git invocation
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s failed", strings.Join(e.Args, " "))
	if e.Output != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Output)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// IsRepository reports whether dir contains a .git directory or file
func (c *ShellClient) IsRepository(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// Init creates the directory if needed and initializes an empty repository
func (c *ShellClient) Init(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}
	_, err := c.run(ctx, dir, "init", "--quiet")
	return err
}

// RemoteURL returns the configured URL of remote
func (c *ShellClient) RemoteURL(ctx context.Context, dir, remote string) (string, error) {
	out, err := c.run(ctx, dir, "config", "--get", "remote."+remote+".url")
	if err != nil {
		if exitCode(err) == 1 {
			return "", fmt.Errorf("remote %q: %w", remote, ErrNotFound)
		}
		return "", err
	}
	return out, nil
}

// SetRemote adds the remote or updates its URL
func (c *ShellClient) SetRemote(ctx context.Context, dir, remote, url string) error {
	if _, err := c.RemoteURL(ctx, dir, remote); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err = c.run(ctx, dir, "remote", "add", remote, url)
		return err
	}
	_, err := c.run(ctx, dir, "remote", "set-url", remote, url)
	return err
}

// Fetch fetches remote, pruning deleted branches
func (c *ShellClient) Fetch(ctx context.Context, dir, remote string) error {
	url, err := c.RemoteURL(ctx, dir, remote)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "fetch", "--prune", "--quiet", remote)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	return c.runCommand(cmd)
}

// LastFetch returns the modification time of FETCH_HEAD, which git rewrites
// on every fetch regardless of which process ran it.
func (c *ShellClient) LastFetch(dir string) time.Time {
	info, err := os.Stat(filepath.Join(dir, ".git", "FETCH_HEAD"))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// RemoteDefaultBranch queries the remote's symbolic HEAD
func (c *ShellClient) RemoteDefaultBranch(ctx context.Context, dir, remote string) (string, error) {
	url, err := c.RemoteURL(ctx, dir, remote)
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "ls-remote", "--symref", remote, "HEAD")
	if err := c.configureAuth(cmd, url); err != nil {
		return "", err
	}
	output, err := cmd.Output()
	if err != nil {
		return "", &CommandError{Args: cmd.Args[1:], Output: stderrOf(err), Err: err}
	}
	branch, ok := parseSymref(string(output))
	if !ok {
		return "", fmt.Errorf("remote %q does not advertise a default branch: %w", remote, ErrNotFound)
	}
	return branch, nil
}

// parseSymref extracts the branch from `ls-remote --symref` output such as
// "ref: refs/heads/main\tHEAD".
func parseSymref(output string) (string, bool) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "ref: ") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "ref: "))
		if len(fields) < 2 || fields[1] != "HEAD" {
			continue
		}
		branch := strings.TrimPrefix(fields[0], "refs/heads/")
		if branch == fields[0] || branch == "" {
			continue
		}
		return branch, true
	}
	return "", false
}

// RemoteHead resolves refs/remotes/<remote>/HEAD without contacting the
// remote. The ref is written by clone and by SetRemoteHead.
func (c *ShellClient) RemoteHead(ctx context.Context, dir, remote string) (string, error) {
	out, err := c.run(ctx, dir, "symbolic-ref", "--quiet", "refs/remotes/"+remote+"/HEAD")
	if err != nil {
		// exit 1: not a symbolic ref, 128: no such ref
		if code := exitCode(err); code == 1 || code == 128 {
			return "", fmt.Errorf("refs/remotes/%s/HEAD: %w", remote, ErrNotFound)
		}
		return "", err
	}
	branch := strings.TrimPrefix(out, "refs/remotes/"+remote+"/")
	if branch == out || branch == "" {
		return "", fmt.Errorf("refs/remotes/%s/HEAD points outside the remote: %w", remote, ErrNotFound)
	}
	return branch, nil
}

// SetRemoteHead runs `git remote set-head <remote> <branch>`
func (c *ShellClient) SetRemoteHead(ctx context.Context, dir, remote, branch string) error {
	_, err := c.run(ctx, dir, "remote", "set-head", remote, branch)
	return err
}

// CurrentBranch returns the short name of the checked-out branch
func (c *ShellClient) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		if exitCode(err) == 1 {
			return "", fmt.Errorf("HEAD is detached: %w", ErrNotFound)
		}
		return "", err
	}
	return out, nil
}

// RemoteBranches returns branch names under refs/remotes/<remote>, sorted
func (c *ShellClient) RemoteBranches(ctx context.Context, dir, remote string) ([]string, error) {
	prefix := "refs/remotes/" + remote + "/"
	out, err := c.run(ctx, dir, "for-each-ref", "--sort=refname", "--format=%(refname)", prefix)
	if err != nil {
		return nil, err
	}

	var branches []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimPrefix(strings.TrimSpace(line), prefix)
		if name == "" || name == "HEAD" {
			continue
		}
		branches = append(branches, name)
	}
	return branches, nil
}

// RevParse resolves rev to a commit hash
func (c *ShellClient) RevParse(ctx context.Context, dir, rev string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		if exitCode(err) == 1 {
			return "", fmt.Errorf("revision %q: %w", rev, ErrNotFound)
		}
		return "", err
	}
	return out, nil
}

// commitFormat separates fields with NUL so messages may contain anything
const commitFormat = "%H%x00%an%x00%cI%x00%B"

// CommitInfo returns hash, author, commit date and message of rev
func (c *ShellClient) CommitInfo(ctx context.Context, dir, rev string) (Commit, error) {
	out, err := c.run(ctx, dir, "log", "-1", "--format="+commitFormat, rev)
	if err != nil {
		return Commit{}, err
	}
	return parseCommit(out)
}

func parseCommit(out string) (Commit, error) {
	parts := strings.SplitN(out, "\x00", 4)
	if len(parts) != 4 {
		return Commit{}, fmt.Errorf("unexpected git log output: %q", out)
	}
	committedAt, err := time.Parse(time.RFC3339, parts[2])
	if err != nil {
		return Commit{}, fmt.Errorf("invalid commit date %q: %w", parts[2], err)
	}
	return Commit{
		Hash:        parts[0],
		Author:      parts[1],
		CommittedAt: committedAt,
		Message:     strings.TrimSpace(parts[3]),
	}, nil
}

// IsDirty reports modified or staged tracked files; untracked files are ignored
func (c *ShellClient) IsDirty(ctx context.Context, dir string) (bool, error) {
	out, err := c.run(ctx, dir, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// StashPush stashes tracked modifications. git exits zero without creating
// an entry when there is nothing to stash, so the stash ref is compared
// before and after.
func (c *ShellClient) StashPush(ctx context.Context, dir, message string) (bool, error) {
	before, _ := c.RevParse(ctx, dir, "refs/stash")
	if _, err := c.run(ctx, dir, append(identityFlags, "stash", "push", "--message", message)...); err != nil {
		return false, err
	}
	after, _ := c.RevParse(ctx, dir, "refs/stash")
	return after != "" && after != before, nil
}

// identityFlags give stash commits an author on hosts without a git identity
var identityFlags = []string{"-c", "user.name=selfupdated", "-c", "user.email=selfupdated@localhost"}

// StashPop reapplies the most recent stash entry
func (c *ShellClient) StashPop(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, "stash", "pop")
	return err
}

// CheckoutBranch runs `git checkout -f -B <branch> --track <remote>/<branch>`
func (c *ShellClient) CheckoutBranch(ctx context.Context, dir, remote, branch string) error {
	_, err := c.run(ctx, dir, "checkout", "--quiet", "-f", "-B", branch, "--track", remote+"/"+branch)
	return err
}

// RestoreBranch runs `git checkout -f -B <branch> <rev>`, or
// `git checkout -f --detach <rev>` without a branch
func (c *ShellClient) RestoreBranch(ctx context.Context, dir, branch, rev string) error {
	args := []string{"checkout", "--quiet", "-f", "--detach", rev}
	if branch != "" {
		args = []string{"checkout", "--quiet", "-f", "-B", branch, rev}
	}
	_, err := c.run(ctx, dir, args...)
	return err
}

// ResetHard resets HEAD, index and working tree to rev
func (c *ShellClient) ResetHard(ctx context.Context, dir, rev string) error {
	_, err := c.run(ctx, dir, "reset", "--hard", "--quiet", rev)
	return err
}

// ChangedFiles returns repository-relative paths changed between from and to
func (c *ShellClient) ChangedFiles(ctx context.Context, dir, from, to string) ([]string, error) {
	out, err := c.run(ctx, dir, "diff", "--name-only", from, to)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Exclude appends pattern to .git/info/exclude unless it is already listed
func (c *ShellClient) Exclude(dir, pattern string) error {
	path := filepath.Join(dir, ".git", "info", "exclude")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read exclude file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create info directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open exclude file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	entry := pattern + "\n"
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		entry = "\n" + entry
	}
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("failed to write exclude file: %w", err)
	}
	return nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		tokenStr := strings.TrimSpace(string(token))

		// The credential helper reads the token from the environment so it
		// never appears in a shell expression or the process list.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "SELFUPDATED_GIT_TOKEN="+tokenStr)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$SELFUPDATED_GIT_TOKEN"; }; f`,
		)

		return nil
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// run executes a local git subcommand in dir and returns trimmed stdout
func (c *ShellClient) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	output, err := cmd.Output()
	if err != nil {
		return "", &CommandError{Args: args, Output: stderrOf(err), Err: err}
	}
	return strings.TrimRight(string(output), "\n"), nil
}

// runCommand executes a command and returns an error with its output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &CommandError{Args: cmd.Args[1:], Output: strings.TrimSpace(string(output)), Err: err}
	}
	return nil
}

func stderrOf(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return strings.TrimSpace(string(exitErr.Stderr))
	}
	return ""
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

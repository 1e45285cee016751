// Package repo manages the local working copy of the upstream CVE list.
package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	DefaultName = "cvelistV5"
	DefaultURL  = "https://github.com/CVEProject/cvelistV5"
)

var ErrNotCloned = errors.New("repository not cloned")

// Runner executes a command in dir and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Client clones and updates a git repository under DataDir/Name.
type Client struct {
	DataDir string
	Name    string
	URL     string
	Runner  Runner
	Logger  *slog.Logger
}

// Path is the working copy directory.
func (c *Client) Path() string {
	return filepath.Join(c.DataDir, c.Name)
}

// Root returns a folder inside the working copy.
func (c *Client) Root(folder string) string {
	return filepath.Join(c.Path(), folder)
}

func (c *Client) exists() (bool, error) {
	_, err := os.Stat(c.Path())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Clone makes a shallow clone unless the working copy is already present.
// cloned reports whether a clone happened.
func (c *Client) Clone(ctx context.Context) (cloned bool, err error) {
	ok, err := c.exists()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", c.Path(), err)
	}
	if ok {
		c.logger().Debug("repository already present", "path", c.Path())
		return false, nil
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return false, fmt.Errorf("create data dir: %w", err)
	}

	c.logger().Info("cloning repository", "url", c.URL, "path", c.Path())
	if err := c.git(ctx, c.DataDir, "clone", "--depth=1", c.URL, c.Name); err != nil {
		return false, err
	}
	return true, nil
}

// Pull fast-forwards the working copy.
func (c *Client) Pull(ctx context.Context) error {
	ok, err := c.exists()
	if err != nil {
		return fmt.Errorf("stat %s: %w", c.Path(), err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotCloned, c.Path())
	}
	c.logger().Debug("pulling repository", "path", c.Path())
	return c.git(ctx, c.Path(), "pull")
}

func (c *Client) git(ctx context.Context, dir string, args ...string) error {
	runner := c.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	out, err := runner.Run(ctx, dir, "git", args...)
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, bytes.TrimSpace(out))
	}
	return nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

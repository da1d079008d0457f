package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/kballard/go-shellquote"

	"github.com/splax/sitestack/internal/domain"
)

// Runner runs one external command to completion.
type Runner interface {
	Run(ctx context.Context, dir string, argv []string) error
}

// ExitStatusError reports a command that ran and exited non-zero.
type ExitStatusError struct {
	Command string
	Status  int
}

func (e *ExitStatusError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Command, e.Status)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (r ExecRunner) Run(ctx context.Context, dir string, argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitStatusError{Command: argv[0], Status: exitErr.ExitCode()}
	}
	return err
}

// execProcess replaces the current process with argv.
func execProcess(argv []string) error {
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	return syscall.Exec(path, argv, os.Environ())
}

// Commands are the shell-quoted command lines of the platform.
type Commands struct {
	Detect  string
	Install string
	Service string
}

// DefaultCommands returns the stock commands of platform.
func DefaultCommands(platform domain.Platform) Commands {
	switch platform {
	case domain.PlatformMagento:
		return Commands{
			Detect: "php bin/magento setup:db:status",
			Install: "php bin/magento setup:install --base-url=$SITE_URL --db-host=$DB_HOST:$DB_PORT " +
				"--db-name=$DB_NAME --db-user=$DB_USER --db-password=$DB_PASSWORD " +
				"--admin-user=$ADMIN_USER --admin-password=$ADMIN_PASSWORD --admin-email=$ADMIN_EMAIL " +
				"--admin-firstname=Site --admin-lastname=Admin --use-rewrites=1",
			Service: "php-fpm --nodaemonize",
		}
	default:
		return Commands{
			Detect: "wp core is-installed --allow-root",
			Install: "wp core install --allow-root --skip-email --url=$SITE_URL --title=$SITE_TITLE " +
				"--admin_user=$ADMIN_USER --admin_password=$ADMIN_PASSWORD --admin_email=$ADMIN_EMAIL",
			Service: "apache2-foreground",
		}
	}
}

// parseCommand splits line with shell quoting rules, then expands $VARS in
// each word so substituted values never split into extra arguments.
func parseCommand(line string, vars map[string]string) ([]string, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("parse command %q: empty", line)
	}
	for i, w := range words {
		words[i] = os.Expand(w, func(key string) string { return vars[key] })
	}
	return words, nil
}

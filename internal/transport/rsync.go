package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"

	"github.com/flynn/go-shlex"
)

var _ Transport = (*Rsync)(nil)

// Runner runs an external program and captures its output. A non-zero
// exit status is reported through the result, not as an error.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (CmdResult, error)
}

// CmdResult is the captured outcome of an external program.
type CmdResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (CmdResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CmdResult{Stdout: stdout.String(), Stderr: strings.TrimSpace(stderr.String())}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, err
	}
	return res, nil
}

// RsyncOpts configures the rsync transport.
type RsyncOpts struct {
	Runner     Runner
	Binary     string // default "rsync"
	SSHCommand string // remote shell, e.g. "ssh -p 2222 -i ~/.ssh/backup"
	KeyFile    string
	Port       int
	BWLimit    int64 // bytes per second, 0 = unlimited
}

// Rsync drives the rsync and ssh executables. Interrupted transfers are
// resumed by rsync itself through --partial --append-verify.
type Rsync struct {
	runner  Runner
	binary  string
	ssh     []string
	target  Location
	bwlimit int64
}

// NewRsync returns an rsync transport for the remote location loc.
func NewRsync(loc Location, opts RsyncOpts) (*Rsync, error) {
	if !loc.IsRemote() {
		return nil, fmt.Errorf("rsync transport needs a remote destination, got %q", loc)
	}
	sshCmd := []string{"ssh"}
	if opts.SSHCommand != "" {
		parts, err := shlex.Split(opts.SSHCommand)
		if err != nil {
			return nil, fmt.Errorf("parse ssh command %q: %w", opts.SSHCommand, err)
		}
		if len(parts) == 0 {
			return nil, fmt.Errorf("empty ssh command")
		}
		sshCmd = parts
	}
	if opts.Port != 0 {
		sshCmd = append(sshCmd, "-p", strconv.Itoa(opts.Port))
	}
	if opts.KeyFile != "" {
		sshCmd = append(sshCmd, "-i", opts.KeyFile)
	}
	sshCmd = append(sshCmd, "-o", "BatchMode=yes")

	r := &Rsync{
		runner:  opts.Runner,
		binary:  opts.Binary,
		ssh:     sshCmd,
		target:  loc,
		bwlimit: opts.BWLimit,
	}
	if r.runner == nil {
		r.runner = ExecRunner{}
	}
	if r.binary == "" {
		r.binary = "rsync"
	}
	return r, nil
}

func (r *Rsync) String() string { return "rsync://" + r.hostSpec() }
func (*Rsync) Close() error     { return nil }

func (r *Rsync) hostSpec() string {
	if r.target.User != "" {
		return r.target.User + "@" + r.target.Host
	}
	return r.target.Host
}

// Upload runs rsync for a single file. Progress is reported once the file
// is complete.
func (r *Rsync) Upload(ctx context.Context, src, dst string, progress Progress) error {
	info, err := os.Stat(src)
	if err != nil {
		return Permanent(fmt.Errorf("stat %s: %w", src, err))
	}

	mk, err := r.remote(ctx, "mkdir -p -- "+shellQuote(path.Dir(dst)))
	if err != nil {
		return err
	}
	if mk.ExitCode != 0 {
		return classifySSHExit(mk, "mkdir "+path.Dir(dst))
	}

	args := []string{
		"--partial", "--append-verify", "--times",
		"-e", strings.Join(r.ssh, " "),
	}
	if r.bwlimit > 0 {
		kib := r.bwlimit / 1024
		if kib == 0 {
			kib = 1
		}
		args = append(args, "--bwlimit="+strconv.FormatInt(kib, 10))
	}
	args = append(args, "--", src, r.hostSpec()+":"+dst)

	res, err := r.runner.Run(ctx, r.binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Permanent(fmt.Errorf("run %s: %w", r.binary, err))
	}
	if res.ExitCode != 0 {
		return classifyRsyncExit(res)
	}
	if progress != nil {
		progress(info.Size())
	}
	return nil
}

// RemoteDigest runs sha256sum on the remote host over ssh.
func (r *Rsync) RemoteDigest(ctx context.Context, dst string) (string, error) {
	return remoteSHA256(ctx, func(ctx context.Context, cmd string) (CmdResult, error) {
		res, err := r.remote(ctx, cmd)
		if err != nil {
			return CmdResult{}, err
		}
		if res.ExitCode == exitSSH {
			return CmdResult{}, fmt.Errorf("ssh %s: %s", r.hostSpec(), res.Stderr)
		}
		return res, nil
	}, dst)
}

func (r *Rsync) remote(ctx context.Context, cmd string) (CmdResult, error) {
	args := append(append([]string{}, r.ssh[1:]...), r.hostSpec(), cmd)
	res, err := r.runner.Run(ctx, r.ssh[0], args...)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("run %s: %w", r.ssh[0], err)
	}
	return res, nil
}

const exitSSH = 255

// rsync exit codes that another attempt cannot fix.
var permanentRsyncExits = map[int]string{
	1:            "syntax or usage error",
	2:            "protocol incompatibility",
	3:            "errors selecting input/output files",
	4:            "requested action not supported",
	exitNotFound: "rsync not installed",
}

func classifyRsyncExit(res CmdResult) error {
	err := fmt.Errorf("rsync exited %d: %s", res.ExitCode, res.Stderr)
	if reason, ok := permanentRsyncExits[res.ExitCode]; ok {
		return Permanent(fmt.Errorf("%w (%s)", err, reason))
	}
	return err
}

func classifySSHExit(res CmdResult, what string) error {
	err := fmt.Errorf("%s exited %d: %s", what, res.ExitCode, res.Stderr)
	if res.ExitCode == exitSSH {
		return err
	}
	return Permanent(err)
}

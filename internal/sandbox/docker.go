package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"codeassist/internal/dataset"
)

const (
	engineDocker = "docker"
	workDir      = "/tmp/sandbox"
	nobodyUser   = "65534:65534"

	// cliOutputMax caps what is kept from docker's own commands and from the
	// container's stderr.
	cliOutputMax = 64 << 10
)

// CommandRunner runs one docker CLI invocation, streaming its output into
// stdout and stderr.
type CommandRunner interface {
	Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error
}

type execRunner struct {
	dockerPath string
}

func (r execRunner) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, r.dockerPath, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// runCLI runs a short docker command and returns its capped output.
func runCLI(ctx context.Context, r CommandRunner, stdin io.Reader, args ...string) (stdout, stderr string, err error) {
	out := &limitedWriter{max: cliOutputMax}
	errOut := &limitedWriter{max: cliOutputMax}
	err = r.Run(ctx, stdin, out, errOut, args...)
	return out.String(), strings.TrimSpace(errOut.String()), err
}

type DockerOptions struct {
	Image     string
	Memory    string
	CPUs      string
	PidsLimit int
	Timeout   time.Duration
	MaxOutput int
	Logger    *slog.Logger
	// Runner overrides the docker CLI, for tests.
	Runner CommandRunner
}

// Docker runs Python in a throwaway container per call: no network, capped
// memory, CPU and PIDs, all capabilities dropped, nobody user. Code and
// bindings go in with docker cp; the container is removed afterwards.
type Docker struct {
	opts   DockerOptions
	runner CommandRunner
	logger *slog.Logger
}

// NewDocker checks that the docker CLI is present and the daemon answers.
func NewDocker(ctx context.Context, opts DockerOptions) (*Docker, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	runner := opts.Runner
	if runner == nil {
		dockerPath, err := exec.LookPath("docker")
		if err != nil {
			return nil, fmt.Errorf("docker not found in PATH: %w", err)
		}
		runner = execRunner{dockerPath: dockerPath}
		if _, stderr, err := runCLI(ctx, runner, nil, "version", "--format", "{{.Server.Version}}"); err != nil {
			return nil, fmt.Errorf("docker is not running or not accessible: %w (stderr: %s)", err, stderr)
		}
	}
	opts.Logger.Info("docker sandbox ready", "image", opts.Image, "memory", opts.Memory, "cpus", opts.CPUs)
	return &Docker{opts: opts, runner: runner, logger: opts.Logger}, nil
}

func (d *Docker) Languages() []string {
	return []string{"python", "python3", "py"}
}

func (d *Docker) Execute(ctx context.Context, code string, b Bindings) (res Result) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		observe(engineDocker, res)
	}()

	files, err := sandboxFiles(code, b)
	if err != nil {
		return faultf("bindings: %v", err)
	}
	archive, err := tarFiles(files)
	if err != nil {
		return faultf("prepare files: %v", err)
	}

	containerID, err := d.create(ctx)
	if err != nil {
		return faultf("%v", err)
	}
	defer d.remove(containerID)

	if _, stderr, err := runCLI(ctx, d.runner, archive, "cp", "-", containerID+":/tmp"); err != nil {
		return faultf("copy files to container: %v (stderr: %s)", err, stderr)
	}

	runCtx := ctx
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}
	// Output past the cap stops the container instead of being buffered.
	runCtx, stop := context.WithCancel(runCtx)
	defer stop()
	out := &limitedWriter{max: d.opts.MaxOutput, onFull: stop}
	errOut := &limitedWriter{max: cliOutputMax}
	err = d.runner.Run(runCtx, nil, out, errOut, "start", "--attach", containerID)

	res.Output = out.String()
	res.Truncated = out.truncated
	res.Stderr = strings.TrimSpace(errOut.String())

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		limited := timedOut(d.opts.Timeout)
		limited.Output, limited.Stderr, limited.Truncated = res.Output, res.Stderr, res.Truncated
		return limited
	case out.truncated:
		res.Faulted = true
		res.Fault = fmt.Sprintf("output exceeded %d bytes", d.opts.MaxOutput)
	case err != nil:
		res.Faulted = true
		res.Fault = res.Stderr
		if res.Fault == "" {
			res.Fault = err.Error()
		}
		d.logger.Debug("container run failed", "container", containerID, "err", err)
	}
	return res
}

func (d *Docker) create(ctx context.Context) (string, error) {
	args := []string{
		"create",
		"--network=none",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user=" + nobodyUser,
		"--workdir=" + workDir,
		"--env=PYTHONDONTWRITEBYTECODE=1",
	}
	if d.opts.Memory != "" {
		args = append(args, "--memory="+d.opts.Memory, "--memory-swap="+d.opts.Memory)
	}
	if d.opts.CPUs != "" {
		args = append(args, "--cpus="+d.opts.CPUs)
	}
	if d.opts.PidsLimit > 0 {
		args = append(args, "--pids-limit="+strconv.Itoa(d.opts.PidsLimit))
	}
	args = append(args, d.opts.Image, "python", workDir+"/runner.py")

	stdout, stderr, err := runCLI(ctx, d.runner, nil, args...)
	if err != nil {
		return "", fmt.Errorf("create container: %w (stderr: %s)", err, stderr)
	}
	id := strings.TrimSpace(stdout)
	if id == "" {
		return "", fmt.Errorf("create container: docker returned no container id")
	}
	d.logger.Debug("container created", "container", id, "image", d.opts.Image)
	return id, nil
}

// remove runs on its own context so a cancelled request still cleans up.
func (d *Docker) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, stderr, err := runCLI(ctx, d.runner, nil, "rm", "--force", containerID); err != nil {
		d.logger.Warn("failed to remove container", "container", containerID, "err", err, "stderr", stderr)
	}
}

// runner.py loads plain bindings from bindings.json and each frame from
// <name>.csv, as a pandas DataFrame when pandas is installed and as a list
// of row dicts otherwise, then runs main.py with exactly those globals.
const runnerPy = `import csv, json, sys

ns = {"__name__": "__main__"}
with open("bindings.json") as f:
    ns.update(json.load(f))
with open("frames.json") as f:
    frames = json.load(f)
for name in frames:
    try:
        import pandas as pd
        ns[name] = pd.read_csv(name + ".csv")
    except ImportError:
        with open(name + ".csv", newline="") as f:
            ns[name] = list(csv.DictReader(f))
with open("main.py") as f:
    src = f.read()
exec(compile(src, "main.py", "exec"), ns)
`

func sandboxFiles(code string, b Bindings) (map[string][]byte, error) {
	plain := map[string]any{}
	var frames []string
	files := map[string][]byte{
		"runner.py": []byte(runnerPy),
		"main.py":   []byte(code),
	}
	for name, v := range b {
		if !isIdentifier(name) {
			return nil, fmt.Errorf("binding name %q is not an identifier", name)
		}
		if f, ok := v.(*dataset.Frame); ok {
			data, err := f.CSV()
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", name, err)
			}
			files[name+".csv"] = data
			frames = append(frames, name)
			continue
		}
		plain[name] = v
	}
	sort.Strings(frames)
	bindings, err := json.Marshal(plain)
	if err != nil {
		return nil, fmt.Errorf("encode bindings: %w", err)
	}
	framesJSON, err := json.Marshal(frames)
	if err != nil {
		return nil, err
	}
	if frames == nil {
		framesJSON = []byte("[]")
	}
	files["bindings.json"] = bindings
	files["frames.json"] = framesJSON
	return files, nil
}

// tarFiles packs files under sandbox/ for docker cp into /tmp.
func tarFiles(files map[string][]byte) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)

	if err := tw.WriteHeader(&tar.Header{Name: "sandbox/", Typeflag: tar.TypeDir, Mode: 0755}); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		content := files[name]
		header := &tar.Header{
			Name: "sandbox/" + name,
			Mode: 0644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(content); err != nil {
			return nil, fmt.Errorf("write tar content for %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

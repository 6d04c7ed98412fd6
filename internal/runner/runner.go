package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	dagerrors "github.com/stevehiehn/testagent/internal/errors"
	"github.com/stevehiehn/testagent/internal/plan"
)

// Source identifies the channel a line was read from.
type Source string

const (
	Stdout Source = "stdout"
	Stderr Source = "stderr"
)

// Line is one line of child output. Seq is strictly increasing across both
// channels in arrival order.
type Line struct {
	Seq    uint64    `json:"seq"`
	Source Source    `json:"source"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Outcome is the terminal status of a process. ExitCode is nil when the
// process was killed by a signal, timed out or was cancelled.
type Outcome struct {
	ExitCode  *int          `json:"exit_code"`
	Signal    string        `json:"signal,omitempty"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`
	Cancelled bool          `json:"cancelled,omitempty"`
}

// Options tune supervision. Zero values select defaults.
type Options struct {
	KillGrace    time.Duration   // between SIGTERM and SIGKILL, default 5s
	DrainGrace   time.Duration   // pipe drain window after the child exits, default 2s
	BufferLines  int             // stream channel capacity, default 256
	MaxLineBytes int             // longer lines are truncated, default 1 MiB
	Environ      func() []string // ambient environment, default os.Environ
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.KillGrace <= 0 {
		o.KillGrace = 5 * time.Second
	}
	if o.DrainGrace <= 0 {
		o.DrainGrace = 2 * time.Second
	}
	if o.BufferLines <= 0 {
		o.BufferLines = 256
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = 1 << 20
	}
	if o.Environ == nil {
		o.Environ = os.Environ
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Process is a running child. Read Lines until the channel closes, then
// call Wait.
type Process struct {
	cmd   *exec.Cmd
	opts  Options
	start time.Time

	mu    sync.Mutex
	seq   uint64
	lines chan Line

	consumed  atomic.Bool
	timedOut  atomic.Bool
	cancelled atomic.Bool

	exited  chan struct{}
	done    chan struct{}
	outcome Outcome
}

// Start launches the plan's command. Launch failures are returned as a
// LAUNCH_ERROR and no Process is created. Cancelling ctx terminates the
// child the same way a timeout does.
func Start(ctx context.Context, p *plan.Plan, opts Options) (*Process, error) {
	if len(p.Argv) == 0 {
		return nil, dagerrors.NewLaunchError(fmt.Errorf("empty command"))
	}
	opts = opts.withDefaults()

	cmd := exec.Command(p.Argv[0], p.Argv[1:]...)
	cmd.Dir = p.WorkDir
	cmd.Env = MergeEnv(opts.Environ(), p.Env)
	configureProcess(cmd)

	// Plain os pipes instead of StdoutPipe: cmd.Wait must return when the
	// child exits, not when every process holding the pipe has closed it.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, dagerrors.NewLaunchError(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdout, stdoutW)
		return nil, dagerrors.NewLaunchError(fmt.Errorf("stderr pipe: %w", err))
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	proc := &Process{
		cmd:    cmd,
		opts:   opts,
		lines:  make(chan Line, opts.BufferLines),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	proc.start = opts.Now()
	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdout, stderr)
		return nil, dagerrors.NewLaunchError(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		proc.pump(stdout, Stdout)
	}()
	go func() {
		defer wg.Done()
		proc.pump(stderr, Stderr)
	}()
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	go func() {
		_ = cmd.Wait()
		close(proc.exited)
	}()

	// Background children may keep the pipes open after the command itself
	// exited. They get DrainGrace to finish writing, then the group is
	// killed and the read ends are closed.
	go func() {
		select {
		case <-drained:
		case <-proc.exited:
			grace := time.NewTimer(opts.DrainGrace)
			select {
			case <-drained:
			case <-grace.C:
				killProcess(cmd)
				closeAll(stdout, stderr)
				<-drained
			}
			grace.Stop()
		}
		close(proc.lines)
		<-proc.exited
		closeAll(stdout, stderr)
		proc.finish()
		close(proc.done)
	}()

	go proc.watch(ctx, p.Timeout)

	return proc, nil
}

// Pid returns the child's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Lines returns the merged output stream. It can be taken once; later calls
// get an already closed channel.
func (p *Process) Lines() <-chan Line {
	if p.consumed.Swap(true) {
		ch := make(chan Line)
		close(ch)
		return ch
	}
	return p.lines
}

// Wait blocks until the stream has been drained and the process has exited.
func (p *Process) Wait() Outcome {
	<-p.done
	return p.outcome
}

func (p *Process) pump(r io.Reader, src Source) {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if room := p.opts.MaxLineBytes - len(buf); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			buf = append(buf, chunk...)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == nil || len(buf) > 0 {
			p.emit(src, strings.TrimRight(string(buf), "\r\n"))
		}
		buf = buf[:0]
		if err != nil {
			return
		}
	}
}

func (p *Process) emit(src Source, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.lines <- Line{Seq: p.seq, Source: src, Text: text, At: p.opts.Now()}
}

func (p *Process) watch(ctx context.Context, timeout time.Duration) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	var timedOut bool
	select {
	case <-p.exited:
		return
	case <-expired:
		timedOut = true
	case <-ctx.Done():
	}
	select {
	case <-p.exited:
		return
	default:
	}
	// Flags are set before signalling, so an exit caused by the signal is
	// always reported as a timeout or cancellation.
	if timedOut {
		p.timedOut.Store(true)
	} else {
		p.cancelled.Store(true)
	}

	terminateProcess(p.cmd)
	grace := time.NewTimer(p.opts.KillGrace)
	defer grace.Stop()
	select {
	case <-p.exited:
	case <-grace.C:
		killProcess(p.cmd)
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (p *Process) finish() {
	out := Outcome{
		Duration:  p.opts.Now().Sub(p.start),
		TimedOut:  p.timedOut.Load(),
		Cancelled: p.cancelled.Load(),
	}
	if state := p.cmd.ProcessState; state != nil {
		out.Signal = signalName(state)
		if out.Signal == "" && !out.TimedOut && !out.Cancelled {
			code := state.ExitCode()
			out.ExitCode = &code
		}
	}
	p.outcome = out
}

// Run starts the plan and collects its whole output. It is a convenience
// for callers that do not need to stream.
func Run(ctx context.Context, p *plan.Plan, opts Options) ([]Line, Outcome, error) {
	proc, err := Start(ctx, p, opts)
	if err != nil {
		return nil, Outcome{}, err
	}
	var lines []Line
	for line := range proc.Lines() {
		lines = append(lines, line)
	}
	return lines, proc.Wait(), nil
}

// MergeEnv overlays overrides on the ambient environment. Ambient entries
// keep their order; names not present before are appended sorted.
func MergeEnv(ambient []string, overrides map[string]string) []string {
	out := make([]string, 0, len(ambient)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range ambient {
		name, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[name]; ok {
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name+"="+v)
			continue
		}
		out = append(out, kv)
	}
	extra := make([]string, 0, len(overrides))
	for name := range overrides {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		out = append(out, name+"="+overrides[name])
	}
	return out
}

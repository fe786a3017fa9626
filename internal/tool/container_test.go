package tool

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"codeagent/internal/domain"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker records what the runner asked for and replays canned output.
type fakeDocker struct {
	haveImage bool
	pulled    []string
	config    *container.Config
	host      *container.HostConfig
	name      string
	started   bool
	removed   []string
	exitCode  int64
	stdout    string
	stderr    string
	hang      bool
}

func (f *fakeDocker) ImageInspect(ctx context.Context, id string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	if f.haveImage {
		return image.InspectResponse{ID: id}, nil
	}
	return image.InspectResponse{}, errors.New("No such image")
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.config, f.host, f.name = cfg, host, name
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.started = true
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.hang {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return waitCh, errCh
	}
	waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	return waitCh, errCh
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	if f.stderr != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	if opts.Force {
		f.removed = append(f.removed, id)
	}
	return nil
}

func (f *fakeDocker) ServerVersion(ctx context.Context) (types.Version, error) {
	return types.Version{Version: "28.5.2"}, nil
}

func (f *fakeDocker) Close() error { return nil }

func containerRunner(t *testing.T, api *fakeDocker, timeout time.Duration) (*RunScriptTool, string) {
	t.Helper()
	c, err := newContainer(api, ContainerConfig{Image: "python:3.12-alpine"})
	if err != nil {
		t.Fatalf("newContainer: %v", err)
	}
	g := testGuard(t)
	if err := os.MkdirAll(filepath.Join(g.Root(), "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(g.Root(), "pkg", "calc.py"), []byte("print(8)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRunScriptTool(g, RunnerConfig{Timeout: timeout, Container: c})
	return r, g.Root()
}

func TestContainer_RunsScriptConfined(t *testing.T) {
	api := &fakeDocker{haveImage: true, stdout: "8\n"}
	r, root := containerRunner(t, api, 5*time.Second)

	out, err := r.Execute(context.Background(), map[string]any{"file_path": "pkg/calc.py", "args": []any{"3 + 5"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "STDOUT: 8\n\nSTDERR: \nNo output produced."; out != want {
		t.Fatalf("expected %q, got %q", want, out)
	}

	if api.config == nil || api.host == nil {
		t.Fatal("container was not created")
	}
	wantCmd := []string{"python3", "/workspace/pkg/calc.py", "3 + 5"}
	if !slices.Equal([]string(api.config.Cmd), wantCmd) {
		t.Errorf("Cmd: expected %q, got %q", wantCmd, api.config.Cmd)
	}
	if api.config.WorkingDir != "/workspace" {
		t.Errorf("WorkingDir: got %q", api.config.WorkingDir)
	}
	if !api.config.NetworkDisabled || !api.host.ReadonlyRootfs {
		t.Error("network must be disabled and the root filesystem read-only")
	}
	if len(api.host.Mounts) != 1 || api.host.Mounts[0].Source != root || api.host.Mounts[0].Target != "/workspace" {
		t.Errorf("Mounts: got %+v", api.host.Mounts)
	}
	if api.host.Resources.Memory != 256*1024*1024 || api.host.Resources.NanoCPUs != 5e8 {
		t.Errorf("limits: memory=%d nanoCPUs=%d", api.host.Resources.Memory, api.host.Resources.NanoCPUs)
	}
	if !strings.HasPrefix(api.name, "codeagent-") {
		t.Errorf("name: got %q", api.name)
	}
	if len(api.pulled) != 0 {
		t.Errorf("present image was pulled: %v", api.pulled)
	}
	if !slices.Equal(api.removed, []string{"c1"}) {
		t.Errorf("container not removed: %v", api.removed)
	}
}

func TestContainer_NonZeroExitAndStderr(t *testing.T) {
	api := &fakeDocker{exitCode: 1, stderr: "Traceback\n"}
	r, _ := containerRunner(t, api, 5*time.Second)

	out, err := r.Execute(context.Background(), map[string]any{"file_path": "pkg/calc.py"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "STDOUT: \nSTDERR: Traceback\n\nProcess exited with code 1"; out != want {
		t.Fatalf("expected %q, got %q", want, out)
	}
	if !slices.Equal(api.pulled, []string{"python:3.12-alpine"}) {
		t.Errorf("missing image should be pulled, got %v", api.pulled)
	}
}

func TestContainer_TimeoutRemovesContainer(t *testing.T) {
	api := &fakeDocker{haveImage: true, hang: true}
	r, _ := containerRunner(t, api, 50*time.Millisecond)

	_, err := r.Execute(context.Background(), map[string]any{"file_path": "pkg/calc.py"})
	var te *domain.ToolError
	if !errors.As(err, &te) || te.Kind != domain.KindTimeout {
		t.Fatalf("expected process_timeout, got %v", err)
	}
	if !slices.Equal(api.removed, []string{"c1"}) {
		t.Errorf("container not removed after timeout: %v", api.removed)
	}
}

func TestContainer_Version(t *testing.T) {
	c, err := newContainer(&fakeDocker{}, ContainerConfig{Image: "img"})
	if err != nil {
		t.Fatal(err)
	}
	v, err := c.Version(context.Background())
	if err != nil || v != "28.5.2" {
		t.Fatalf("Version: got %q, %v", v, err)
	}
	if c.Image() != "img" {
		t.Errorf("Image: got %q", c.Image())
	}
}

func TestParseContainerLimits(t *testing.T) {
	mem, cpus, err := ParseContainerLimits("1g", "2")
	if err != nil {
		t.Fatal(err)
	}
	if mem != 1<<30 || cpus != 2e9 {
		t.Fatalf("got memory=%d cpus=%d", mem, cpus)
	}

	if _, _, err := ParseContainerLimits("lots", "1"); err == nil {
		t.Error("expected error for bad memory")
	}
	if _, _, err := ParseContainerLimits("256m", "-1"); err == nil {
		t.Error("expected error for negative cpus")
	}
	if _, err := newContainer(&fakeDocker{}, ContainerConfig{}); err == nil {
		t.Error("expected error for missing image")
	}
}

func TestNewContainerName(t *testing.T) {
	a, b := newContainerName(), newContainerName()
	if len(a) != len("codeagent-")+12 {
		t.Errorf("unexpected name %q", a)
	}
	if a == b {
		t.Error("names should be unique")
	}
}

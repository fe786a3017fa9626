package tool

import (
	"context"
	"fmt"
	"io"
	"path"
	"slices"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	containerWorkdir = "/workspace"
	containerPids    = 100
	removeTimeout    = 10 * time.Second
)

// dockerAPI is the part of the Docker client the runner uses.
type dockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ServerVersion(ctx context.Context) (types.Version, error)
	Close() error
}

type ContainerConfig struct {
	Image  string
	Memory string // e.g. "256m"
	CPUs   string // e.g. "0.5"
}

// Container runs scripts inside a throwaway Docker container instead of on
// the host. The workspace root is bind-mounted at /workspace, the network is
// disabled and the root filesystem is read-only apart from /tmp.
type Container struct {
	api      dockerAPI
	image    string
	memory   int64
	nanoCPUs int64
}

// NewContainer connects to the Docker daemon named by the DOCKER_* environment.
func NewContainer(cfg ContainerConfig) (*Container, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	c, err := newContainer(cli, cfg)
	if err != nil {
		cli.Close()
		return nil, err
	}
	return c, nil
}

func newContainer(api dockerAPI, cfg ContainerConfig) (*Container, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("container image is required")
	}
	memory, nanoCPUs, err := ParseContainerLimits(cfg.Memory, cfg.CPUs)
	if err != nil {
		return nil, err
	}
	return &Container{api: api, image: cfg.Image, memory: memory, nanoCPUs: nanoCPUs}, nil
}

// ParseContainerLimits converts "256m" and "0.5" style limits into bytes and
// nano-CPUs. Empty values fall back to 256m and half a CPU.
func ParseContainerLimits(memory, cpus string) (int64, int64, error) {
	if memory == "" {
		memory = "256m"
	}
	if cpus == "" {
		cpus = "0.5"
	}
	mem, err := units.RAMInBytes(memory)
	if err != nil || mem <= 0 {
		return 0, 0, fmt.Errorf("invalid container memory %q", memory)
	}
	n, err := strconv.ParseFloat(cpus, 64)
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("invalid container cpus %q", cpus)
	}
	return mem, int64(n * 1e9), nil
}

func (c *Container) Image() string { return c.image }

func (c *Container) Close() error { return c.api.Close() }

// Version reports the Docker server version.
func (c *Container) Version(ctx context.Context) (string, error) {
	v, err := c.api.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("docker not available: %w", err)
	}
	return v.Version, nil
}

// Run executes the script and copies its output streams into stdout and
// stderr. The container is always removed, also when ctx expires.
func (c *Container) Run(ctx context.Context, root string, interp Interpreter, relScript string, scriptArgs []string, stdout, stderr io.Writer) (int, error) {
	if err := c.ensureImage(ctx); err != nil {
		return 0, err
	}

	cmd := append(slices.Clone(interp.Command), path.Join(containerWorkdir, relScript))
	cmd = append(cmd, scriptArgs...)
	pids := int64(containerPids)

	resp, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:           c.image,
			Cmd:             cmd,
			WorkingDir:      containerWorkdir,
			NetworkDisabled: true,
			Labels:          map[string]string{"app.kubernetes.io/managed-by": "codeagent"},
		},
		&container.HostConfig{
			NetworkMode:    "none",
			ReadonlyRootfs: true,
			Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: root,
				Target: containerWorkdir,
			}},
			Resources: container.Resources{
				Memory:    c.memory,
				NanoCPUs:  c.nanoCPUs,
				PidsLimit: &pids,
			},
		},
		nil, nil, newContainerName())
	if err != nil {
		return 0, fmt.Errorf("create container: %w", err)
	}
	defer c.remove(resp.ID)

	// Subscribe before starting so a fast exit is not missed.
	waitCh, errCh := c.api.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)
	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return 0, fmt.Errorf("start container: %w", err)
	}

	var code int
	select {
	case err := <-errCh:
		return 0, fmt.Errorf("wait container: %w", err)
	case st := <-waitCh:
		if st.Error != nil && st.Error.Message != "" {
			return 0, fmt.Errorf("wait container: %s", st.Error.Message)
		}
		code = int(st.StatusCode)
	}

	logs, err := c.api.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return 0, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return 0, fmt.Errorf("container logs: %w", err)
	}
	return code, nil
}

func (c *Container) ensureImage(ctx context.Context) error {
	if _, err := c.api.ImageInspect(ctx, c.image); err == nil {
		return nil
	}
	reader, err := c.api.ImagePull(ctx, c.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", c.image, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", c.image, err)
	}
	return nil
}

// remove uses its own context since the run context may already be done.
func (c *Container) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	_ = c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func newContainerName() string {
	return "codeagent-" + uuid.NewString()[:12]
}

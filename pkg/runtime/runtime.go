package runtime

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/types"
)

const (
	// Namespace is the containerd namespace fleetd's agent uses.
	Namespace = "fleetd"

	// DefaultSocketPath is the default containerd socket path.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerInfo is what Inspect reports about a running or exited container.
type ContainerInfo struct {
	ID       string
	Status   types.ServiceStatus
	ExitCode uint32
}

// Runtime is the Container Runtime Adapter: the narrow surface the
// Deployment Supervisor uses to drive containers, regardless of the
// backing engine.
type Runtime interface {
	PullImage(ctx context.Context, imageRef string) error
	Run(ctx context.Context, instr *types.DeploymentInstruction) (containerID string, err error)
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (*ContainerInfo, error)
	ListContainers(ctx context.Context) ([]string, error)
}

// ContainerdRuntime implements Runtime over a containerd client.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime dials the containerd socket at socketPath (or
// DefaultSocketPath if empty).
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "connect to containerd")
	}
	return &ContainerdRuntime{client: client, namespace: Namespace}, nil
}

// Close releases the underlying containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// PullImage pulls imageRef and unpacks it for the default snapshotter.
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return ferrors.Wrapf(ferrors.Transient, err, "pull image %s", imageRef)
	}
	return nil
}

// Run creates and starts a container for instr, pulling its image first if
// not already present locally.
func (r *ContainerdRuntime) Run(ctx context.Context, instr *types.DeploymentInstruction) (string, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, instr.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, instr.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", ferrors.Wrapf(ferrors.Transient, err, "pull image %s", instr.Image)
		}
	}

	env := make([]string, 0, len(instr.Env))
	for k, v := range instr.Env {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
	}
	if instr.Resources != nil {
		if instr.Resources.CPUCores > 0 {
			period := uint64(100000)
			quota := int64(instr.Resources.CPUCores * float64(period))
			opts = append(opts, oci.WithCPUCFS(quota, period))
		}
		if instr.Resources.MemoryBytes > 0 {
			opts = append(opts, oci.WithMemoryLimit(uint64(instr.Resources.MemoryBytes)))
		}
	}

	if len(instr.Volumes) > 0 {
		mounts := make([]specs.Mount, 0, len(instr.Volumes))
		for _, v := range instr.Volumes {
			options := []string{"bind"}
			if v.ReadOnly {
				options = append(options, "ro")
			} else {
				options = append(options, "rw")
			}
			mounts = append(mounts, specs.Mount{
				Source:      v.Source,
				Destination: v.Target,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	containerID := instr.ServiceName + "-" + fmt.Sprintf("%d", time.Now().UnixNano())
	ctrdContainer, err := r.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", ferrors.Wrapf(ferrors.Internal, err, "create container for %s", instr.ServiceName)
	}

	task, err := ctrdContainer.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", ferrors.Wrap(ferrors.Internal, err, "create task")
	}
	if err := task.Start(ctx); err != nil {
		return "", ferrors.Wrap(ferrors.Internal, err, "start task")
	}

	return ctrdContainer.ID(), nil
}

// Stop sends SIGTERM and waits up to timeout before escalating to SIGKILL.
func (r *ContainerdRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // already gone
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // not running
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return ferrors.Wrap(ferrors.Internal, err, "send SIGTERM")
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, err, "wait for task exit")
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return ferrors.Wrap(ferrors.Internal, err, "send SIGKILL")
		}
	}

	_, err = task.Delete(ctx)
	return err
}

// Remove deletes a stopped container and its snapshot. Callers should Stop
// first; Remove tolerates a still-running task by deleting forcefully.
func (r *ContainerdRuntime) Remove(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	if task, err := container.Task(ctx, nil); err == nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return ferrors.Wrapf(ferrors.Internal, err, "delete container %s", containerID)
	}
	return nil
}

// Inspect reports the current runtime status of a container.
func (r *ContainerdRuntime) Inspect(ctx context.Context, containerID string) (*ContainerInfo, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, ferrors.Wrapf(ferrors.NotFound, err, "load container %s", containerID)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return &ContainerInfo{ID: containerID, Status: types.ServicePulling}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Internal, err, "get task status")
	}

	info := &ContainerInfo{ID: containerID}
	switch status.Status {
	case containerd.Running, containerd.Paused:
		info.Status = types.ServiceRunning
	case containerd.Stopped:
		info.ExitCode = status.ExitStatus
		if status.ExitStatus == 0 {
			info.Status = types.ServiceStopped
		} else {
			info.Status = types.ServiceFailed
		}
	default:
		info.Status = types.ServicePulling
	}
	return info, nil
}

// ListContainers returns the IDs of all containers in the fleetd namespace.
func (r *ContainerdRuntime) ListContainers(ctx context.Context) ([]string, error) {
	ctx = r.ctx(ctx)
	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "list containers")
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

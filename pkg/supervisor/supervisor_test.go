package supervisor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd/fleetd/pkg/log"
	"github.com/fleetd/fleetd/pkg/runtime"
	"github.com/fleetd/fleetd/pkg/supervisor"
	"github.com/fleetd/fleetd/pkg/types"
	"github.com/fleetd/fleetd/pkg/wire"
)

type fakeRuntime struct {
	mu         sync.Mutex
	pullErr    error
	runErr     error
	running    map[string]bool
	nextID     int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: make(map[string]bool)}
}

func (f *fakeRuntime) PullImage(ctx context.Context, imageRef string) error { return f.pullErr }

func (f *fakeRuntime) Run(ctx context.Context, instr *types.DeploymentInstruction) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := instr.ServiceName + "-c"
	f.running[id] = true
	return id, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, containerID)
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, containerID string) error { return nil }

func (f *fakeRuntime) Inspect(ctx context.Context, containerID string) (*runtime.ContainerInfo, error) {
	return nil, nil
}

func (f *fakeRuntime) ListContainers(ctx context.Context) ([]string, error) { return nil, nil }

type fakeReporter struct {
	mu     sync.Mutex
	events []string
}

func (r *fakeReporter) SendServiceStatus(service string, status types.ServiceStatus, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, service+":"+string(status))
}

func TestStartIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	reporter := &fakeReporter{}
	sup := supervisor.New(rt, reporter, log.Logger)

	p := wire.DeploymentPayload{Service: "web", Image: "nginx:latest", Action: types.ActionStart}
	r1 := sup.Apply(context.Background(), p)
	require.Equal(t, types.ServiceRunning, r1.Status)
	containerID := r1.ContainerID

	r2 := sup.Apply(context.Background(), p)
	assert.Equal(t, types.ServiceRunning, r2.Status)
	assert.Equal(t, containerID, r2.ContainerID, "second start must not replace the running container")
}

func TestStopIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	sup := supervisor.New(rt, nil, log.Logger)

	stopPayload := wire.DeploymentPayload{Service: "web", Action: types.ActionStop}
	r1 := sup.Apply(context.Background(), stopPayload)
	assert.Equal(t, types.ServiceStopped, r1.Status)

	r2 := sup.Apply(context.Background(), stopPayload)
	assert.Equal(t, types.ServiceStopped, r2.Status)
}

func TestRestartReusesSpecWhenImageMissing(t *testing.T) {
	rt := newFakeRuntime()
	sup := supervisor.New(rt, nil, log.Logger)

	sup.Apply(context.Background(), wire.DeploymentPayload{Service: "web", Image: "nginx:latest", Action: types.ActionStart})
	r := sup.Apply(context.Background(), wire.DeploymentPayload{Service: "web", Action: types.ActionRestart})
	require.Equal(t, types.ServiceRunning, r.Status)
	assert.Equal(t, "nginx:latest", r.Spec.Image)
}

func TestImagePullFailureTaggedImagePull(t *testing.T) {
	rt := newFakeRuntime()
	rt.pullErr = assertErr{"registry unreachable"}
	sup := supervisor.New(rt, nil, log.Logger)

	r := sup.Apply(context.Background(), wire.DeploymentPayload{Service: "web", Image: "nginx:latest", Action: types.ActionStart})
	assert.Equal(t, types.ServiceFailed, r.Status)
	assert.Equal(t, types.ErrorClassImagePull, r.ErrorClass)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

// Package docker adapts the Docker Engine API to the container runtime
// operations the orchestrator sequences. This is part of the Imperative
// Shell - all Docker I/O lives here.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/cage-dev/cage/internal/core/project"
	"github.com/cage-dev/cage/internal/orchestrator"
)

// =============================================================================
// Client
// =============================================================================

// LabelProject marks every container this tool creates with its project, so
// status listings and cleanup never touch foreign containers.
const LabelProject = "io.cage.project"

// stopTimeout is how long a container gets to exit gracefully before the
// daemon kills it.
const stopTimeout = 10 * time.Second

// Streams carries the stdio endpoints interactive operations attach to.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// Options configures a Client.
type Options struct {
	// Host overrides the Docker daemon address; empty uses the environment.
	Host string

	// Project namespaces container, image, and network names.
	Project string

	// Streams defaults to the process stdio when zero.
	Streams Streams
}

// Client implements the orchestrator's Runtime interface against a Docker
// daemon.
type Client struct {
	cli     *client.Client
	project string
	logger  *slog.Logger
	streams Streams
}

var _ orchestrator.Runtime = (*Client)(nil)

// NewClient connects to the Docker daemon.
// If host is empty, it uses the default Docker host from environment.
// On macOS with Docker Desktop, it automatically detects the correct socket.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, NewDockerError("NewClient", "", "", "failed to create client", ErrConnectionFailed)
	}

	// Try to ping with default settings
	ctx := context.Background()
	if _, pingErr := cli.Ping(ctx); pingErr != nil && opts.Host == "" {
		// If default socket fails, try Docker Desktop socket on macOS
		homeDir, _ := os.UserHomeDir()
		dockerDesktopSocket := "unix://" + homeDir + "/.docker/run/docker.sock"

		cli2, err2 := client.NewClientWithOpts(
			client.WithHost(dockerDesktopSocket),
			client.WithAPIVersionNegotiation(),
		)
		if err2 == nil {
			if _, pingErr2 := cli2.Ping(ctx); pingErr2 == nil {
				cli.Close()
				cli = cli2
			} else {
				cli2.Close()
			}
		}
	}

	streams := opts.Streams
	if streams.In == nil {
		streams.In = os.Stdin
	}
	if streams.Out == nil {
		streams.Out = os.Stdout
	}
	if streams.Err == nil {
		streams.Err = os.Stderr
	}

	return &Client{
		cli:     cli,
		project: opts.Project,
		logger:  logger,
		streams: streams,
	}, nil
}

// Ping checks if the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return NewDockerError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// =============================================================================
// Naming
// =============================================================================

func (c *Client) containerName(svc *project.Service) string {
	return c.project + "_" + svc.Pod + "_" + svc.Name
}

func (c *Client) networkName() string {
	return "cage_" + c.project
}

// imageFor resolves the image reference for a service. Build-only services
// get a deterministic local tag derived from their identity.
func (c *Client) imageFor(svc *project.Service) string {
	if svc.Image != "" {
		return svc.Image
	}
	return strings.ToLower(c.project + "-" + svc.Pod + "-" + svc.Name)
}

// =============================================================================
// Image Operations
// =============================================================================

// BuildImage builds the service's image from its build context, streaming
// daemon progress to the configured output.
func (c *Client) BuildImage(ctx context.Context, svc *project.Service) error {
	if svc.Build == "" {
		return nil
	}

	buildCtx, err := archive.TarWithOptions(svc.Build, &archive.TarOptions{})
	if err != nil {
		return NewDockerError("BuildImage", "image", c.imageFor(svc), err.Error(), ErrImageBuildFailed)
	}
	defer buildCtx.Close()

	resp, err := c.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{c.imageFor(svc)},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return NewDockerError("BuildImage", "image", c.imageFor(svc), err.Error(), ErrImageBuildFailed)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, c.streams.Out, 0, false, nil); err != nil {
		return NewDockerError("BuildImage", "image", c.imageFor(svc), err.Error(), ErrImageBuildFailed)
	}
	return nil
}

// PullImage pulls the service's image from its registry.
func (c *Client) PullImage(ctx context.Context, svc *project.Service) error {
	if svc.Image == "" {
		return nil
	}

	reader, err := c.cli.ImagePull(ctx, svc.Image, image.PullOptions{})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "not found") ||
			strings.Contains(errStr, "manifest unknown") ||
			strings.Contains(errStr, "repository does not exist") ||
			strings.Contains(errStr, "pull access denied") {
			return NewDockerError("PullImage", "image", svc.Image, "image not found", ErrImageNotFound)
		}
		return NewDockerError("PullImage", "image", svc.Image, err.Error(), ErrImagePullFailed)
	}
	defer reader.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(reader, c.streams.Out, 0, false, nil); err != nil {
		return NewDockerError("PullImage", "image", svc.Image, err.Error(), ErrImagePullFailed)
	}
	return nil
}

// =============================================================================
// Lifecycle Operations
// =============================================================================

// StartContainer ensures the service's container exists and is running,
// creating it from the service definition when absent.
func (c *Client) StartContainer(ctx context.Context, svc *project.Service) error {
	name := c.containerName(svc)

	if err := c.ensureNetwork(ctx); err != nil {
		return err
	}

	info, err := c.cli.ContainerInspect(ctx, name)
	switch {
	case err == nil:
		if info.State != nil && info.State.Running {
			return nil
		}
	case client.IsErrNotFound(err):
		if err := c.createContainer(ctx, svc, name, containerOverrides{}); err != nil {
			return err
		}
	default:
		return NewDockerError("StartContainer", "container", name, err.Error(), err)
	}

	if err := c.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return NewDockerError("StartContainer", "container", name, err.Error(), err)
	}
	c.logger.Debug("container started", "container", name)
	return nil
}

// StopContainer stops the service's container. A container that is absent
// or already stopped is left alone; stop is idempotent.
func (c *Client) StopContainer(ctx context.Context, svc *project.Service) error {
	name := c.containerName(svc)

	seconds := int(stopTimeout.Seconds())
	err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds})
	if err != nil {
		if client.IsErrNotFound(err) || strings.Contains(err.Error(), "is not running") {
			return nil
		}
		return NewDockerError("StopContainer", "container", name, err.Error(), err)
	}
	c.logger.Debug("container stopped", "container", name)
	return nil
}

// RemoveContainer force-removes the service's container. Absence is not an
// error; remove is idempotent.
func (c *Client) RemoveContainer(ctx context.Context, svc *project.Service) error {
	name := c.containerName(svc)

	err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return NewDockerError("RemoveContainer", "container", name, err.Error(), err)
	}
	c.logger.Debug("container removed", "container", name)
	return nil
}

// ContainerStatus reports the runtime state of the service's container.
func (c *Client) ContainerStatus(ctx context.Context, svc *project.Service) (orchestrator.ContainerState, error) {
	name := c.containerName(svc)

	info, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return orchestrator.StateAbsent, nil
		}
		return orchestrator.StateAbsent, NewDockerError("ContainerStatus", "container", name, err.Error(), err)
	}
	if info.State != nil && (info.State.Running || info.State.Restarting) {
		return orchestrator.StateRunning, nil
	}
	return orchestrator.StateStopped, nil
}

// =============================================================================
// Ephemeral Runs
// =============================================================================

// RunEphemeral creates a one-off container from the service definition,
// attaches it to the process stdio unless detached, and returns its exit
// code. The container is removed afterwards; the service's long-lived
// container is untouched.
func (c *Client) RunEphemeral(ctx context.Context, svc *project.Service, command []string, opts orchestrator.RunOptions) (int, error) {
	if err := c.ensureNetwork(ctx); err != nil {
		return 1, err
	}

	name := c.containerName(svc) + "_run_" + uuid.NewString()[:8]
	overrides := containerOverrides{
		Command:     command,
		Environment: opts.Environment,
		User:        opts.User,
		TTY:         opts.TTY,
		OpenStdin:   !opts.Detached,
	}
	if opts.Entrypoint != "" {
		overrides.Entrypoint = []string{opts.Entrypoint}
	}
	if err := c.createContainer(ctx, svc, name, overrides); err != nil {
		return 1, err
	}

	if opts.Detached {
		if err := c.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
			return 1, NewDockerError("RunEphemeral", "container", name, err.Error(), err)
		}
		return 0, nil
	}
	defer c.cli.ContainerRemove(context.WithoutCancel(ctx), name, container.RemoveOptions{Force: true})

	attach, err := c.cli.ContainerAttach(ctx, name, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return 1, NewDockerError("RunEphemeral", "container", name, err.Error(), err)
	}
	defer attach.Close()

	if err := c.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return 1, NewDockerError("RunEphemeral", "container", name, err.Error(), err)
	}

	go io.Copy(attach.Conn, c.streams.In)
	if opts.TTY {
		io.Copy(c.streams.Out, attach.Reader)
	} else {
		stdcopy.StdCopy(c.streams.Out, c.streams.Err, attach.Reader)
	}

	statusCh, errCh := c.cli.ContainerWait(ctx, name, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case err := <-errCh:
		return 1, NewDockerError("RunEphemeral", "container", name, err.Error(), err)
	case <-ctx.Done():
		return 1, ctx.Err()
	}
}

// ExecInContainer runs a command in the service's running container and
// returns its exit code.
func (c *Client) ExecInContainer(ctx context.Context, svc *project.Service, command []string, opts orchestrator.ExecOptions) (int, error) {
	name := c.containerName(svc)

	exec, err := c.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          command,
		User:         opts.User,
		Tty:          opts.TTY,
		Privileged:   opts.Privileged,
		AttachStdin:  opts.TTY,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return 1, NewDockerError("ExecInContainer", "container", name, "container not found", ErrContainerNotFound)
		}
		return 1, NewDockerError("ExecInContainer", "container", name, err.Error(), err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{Tty: opts.TTY})
	if err != nil {
		return 1, NewDockerError("ExecInContainer", "container", name, err.Error(), err)
	}
	defer attach.Close()

	if opts.TTY {
		go io.Copy(attach.Conn, c.streams.In)
		io.Copy(c.streams.Out, attach.Reader)
	} else {
		stdcopy.StdCopy(c.streams.Out, c.streams.Err, attach.Reader)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return 1, NewDockerError("ExecInContainer", "container", name, err.Error(), err)
	}
	return inspect.ExitCode, nil
}

// =============================================================================
// Logs
// =============================================================================

// StreamLogs copies the container's log stream to out. TTY containers emit
// a raw stream; the rest are multiplexed and need demuxing.
func (c *Client) StreamLogs(ctx context.Context, svc *project.Service, opts orchestrator.LogOptions, out io.Writer) error {
	name := c.containerName(svc)

	info, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("StreamLogs", "container", name, "container not found", ErrContainerNotFound)
		}
		return NewDockerError("StreamLogs", "container", name, err.Error(), err)
	}

	tail := opts.Tail
	if tail == "" {
		tail = "all"
	}
	reader, err := c.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       tail,
	})
	if err != nil {
		return NewDockerError("StreamLogs", "container", name, err.Error(), err)
	}
	defer reader.Close()

	if info.Config != nil && info.Config.Tty {
		_, err = io.Copy(out, reader)
	} else {
		_, err = stdcopy.StdCopy(out, out, reader)
	}
	if err != nil && ctx.Err() == nil {
		return NewDockerError("StreamLogs", "container", name, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Container Creation
// =============================================================================

// containerOverrides adjusts a service definition for one-off containers.
type containerOverrides struct {
	Entrypoint  []string
	Command     []string
	Environment map[string]string
	User        string
	TTY         bool
	OpenStdin   bool
}

func (c *Client) createContainer(ctx context.Context, svc *project.Service, name string, overrides containerOverrides) error {
	config := &container.Config{
		Image:      c.imageFor(svc),
		Entrypoint: strslice.StrSlice(svc.Entrypoint),
		Cmd:        strslice.StrSlice(svc.Command),
		Env:        flattenEnv(svc.Environment, overrides.Environment),
		Labels:     containerLabels(c.project, svc),
		User:       overrides.User,
		Tty:        overrides.TTY,
		OpenStdin:  overrides.OpenStdin,
		StdinOnce:  overrides.OpenStdin,
	}
	if len(overrides.Entrypoint) > 0 {
		config.Entrypoint = strslice.StrSlice(overrides.Entrypoint)
	}
	if len(overrides.Command) > 0 {
		config.Cmd = strslice.StrSlice(overrides.Command)
	}

	hostConfig := &container.HostConfig{
		Mounts: serviceMounts(svc),
	}
	exposed, bindings := portBindings(svc)
	config.ExposedPorts = exposed
	hostConfig.PortBindings = bindings

	networkConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			c.networkName(): {
				Aliases: []string{svc.Name, svc.Pod + "_" + svc.Name},
			},
		},
	}

	_, err := c.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, name)
	if err != nil {
		// The image may only exist remotely; pull once and retry.
		if client.IsErrNotFound(err) && svc.Image != "" {
			if pullErr := c.PullImage(ctx, svc); pullErr != nil {
				return pullErr
			}
			_, err = c.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, name)
		}
		if err != nil {
			return NewDockerError("CreateContainer", "container", name, err.Error(), err)
		}
	}
	return nil
}

// ensureNetwork creates the project's bridge network if it does not exist.
func (c *Client) ensureNetwork(ctx context.Context) error {
	name := c.networkName()

	_, err := c.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return NewDockerError("EnsureNetwork", "network", name, err.Error(), err)
	}

	_, err = c.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelProject: c.project},
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return NewDockerError("EnsureNetwork", "network", name, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Spec Helpers
// =============================================================================

// flattenEnv renders environment maps as KEY=VALUE pairs, overrides last,
// sorted so container specs are reproducible.
func flattenEnv(base, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

func containerLabels(projectName string, svc *project.Service) map[string]string {
	labels := make(map[string]string, len(svc.Labels)+1)
	for k, v := range svc.Labels {
		labels[k] = v
	}
	labels[LabelProject] = projectName
	return labels
}

// serviceMounts maps volume specs to mounts; absolute and relative host
// paths bind-mount, anything else is a named volume.
func serviceMounts(svc *project.Service) []mount.Mount {
	var mounts []mount.Mount
	for _, v := range svc.Volumes {
		mountType := mount.TypeVolume
		if strings.HasPrefix(v.Source, "/") || strings.HasPrefix(v.Source, ".") {
			mountType = mount.TypeBind
		}
		mounts = append(mounts, mount.Mount{
			Type:     mountType,
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}
	return mounts
}

func portBindings(svc *project.Service) (nat.PortSet, nat.PortMap) {
	if len(svc.Ports) == 0 {
		return nil, nil
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range svc.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   p.HostIP,
			HostPort: p.HostPort,
		})
	}
	return exposed, bindings
}

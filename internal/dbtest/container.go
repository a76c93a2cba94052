// Package dbtest starts throwaway MySQL and Postgres servers in Docker for
// integration tests.
//
// LIFECYCLE:
//  1. Pull the image (a no-op when it is cached)
//  2. Create and start a container, publishing the database port on a random
//     loopback port
//  3. Poll a readiness command inside the container with `docker exec`
//  4. Close force-removes the container
//
// Only tests built with the "integration" tag use this package.
package dbtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// Spec describes one database image.
type Spec struct {
	Driver   string // sqlstore driver name
	Image    string
	Port     nat.Port
	Env      []string
	User     string
	Password string
	Database string
	// Ready runs inside the container and exits 0 once the server accepts
	// TCP connections.
	Ready []string
}

// MySQL is a MySQL 8 server with a utf8mb4 case-insensitive default
// collation, like most production installs.
func MySQL() Spec {
	return Spec{
		Driver: "mysql",
		Image:  "mysql:8.4",
		Port:   "3306/tcp",
		Env: []string{
			"MYSQL_ROOT_PASSWORD=root",
			"MYSQL_DATABASE=idp",
			"MYSQL_USER=idp",
			"MYSQL_PASSWORD=idp",
		},
		User:     "idp",
		Password: "idp",
		Database: "idp",
		// -h 127.0.0.1 forces TCP: the init-time server only listens on the socket.
		Ready: []string{"mysqladmin", "ping", "-h", "127.0.0.1", "-uidp", "-pidp", "--silent"},
	}
}

// Postgres is a Postgres 16 server.
func Postgres() Spec {
	return Spec{
		Driver: "postgres",
		Image:  "postgres:16-alpine",
		Port:   "5432/tcp",
		Env: []string{
			"POSTGRES_USER=idp",
			"POSTGRES_PASSWORD=idp",
			"POSTGRES_DB=idp",
		},
		User:     "idp",
		Password: "idp",
		Database: "idp",
		Ready:    []string{"pg_isready", "-h", "127.0.0.1", "-U", "idp", "-d", "idp"},
	}
}

// Container is a running database container.
type Container struct {
	Spec Spec
	Host string
	Port int

	cli    *client.Client
	id     string
	logger *slog.Logger
}

// Start pulls, creates and starts a container for spec and waits until the
// readiness command succeeds or ctx expires. On error nothing is left running.
func Start(ctx context.Context, spec Spec, logger *slog.Logger) (*Container, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dbtest: creating docker client: %w", err)
	}

	logger.Info("ensuring docker image is available", slog.String("image", spec.Image))
	reader, err := cli.ImagePull(ctx, spec.Image, image.PullOptions{})
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("dbtest: pulling %s: %w", spec.Image, err)
	}
	// Read everything to block until the pull is complete
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	resp, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			ExposedPorts: nat.PortSet{spec.Port: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				spec.Port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
			},
		},
		nil, nil, "")
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("dbtest: ContainerCreate failed: %w", err)
	}

	c := &Container{Spec: spec, Host: "127.0.0.1", cli: cli, id: resp.ID, logger: logger}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.Close()
		return nil, fmt.Errorf("dbtest: ContainerStart failed: %w", err)
	}

	if err := c.resolvePort(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.waitReady(ctx); err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("database container ready",
		slog.String("image", spec.Image),
		slog.String("id", resp.ID[:12]),
		slog.Int("port", c.Port),
	)
	return c, nil
}

// Close force removes the container and closes the docker client.
func (c *Container) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := c.cli.ContainerRemove(ctx, c.id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		c.logger.Error("failed to remove container", slog.String("id", c.id), slog.String("error", err.Error()))
	}
	return errors.Join(err, c.cli.Close())
}

func (c *Container) resolvePort(ctx context.Context) error {
	info, err := c.cli.ContainerInspect(ctx, c.id)
	if err != nil {
		return fmt.Errorf("dbtest: inspecting container: %w", err)
	}
	bindings := info.NetworkSettings.Ports[c.Spec.Port]
	if len(bindings) == 0 {
		return fmt.Errorf("dbtest: port %s is not published", c.Spec.Port)
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return fmt.Errorf("dbtest: parsing host port %q: %w", bindings[0].HostPort, err)
	}
	c.Port = port
	return nil
}

// waitReady runs the readiness command once a second until it exits 0.
func (c *Container) waitReady(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		code, output, err := c.exec(ctx, c.Spec.Ready)
		if err != nil {
			return struct{}{}, err
		}
		if code != 0 {
			return struct{}{}, fmt.Errorf("readiness command exited %d: %s", code, bytes.TrimSpace(output))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Second)),
		backoff.WithMaxElapsedTime(3*time.Minute),
	)
	if err != nil {
		return fmt.Errorf("dbtest: %s never became ready: %w", c.Spec.Image, err)
	}
	return nil
}

// exec runs cmd in the container and returns its exit code and combined
// output.
func (c *Container) exec(ctx context.Context, cmd []string) (int, []byte, error) {
	execResp, err := c.cli.ContainerExecCreate(ctx, c.id, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := c.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attachResp.Close()

	// Use stdcopy to demultiplex stdout from stderr
	var output bytes.Buffer
	if _, err := stdcopy.StdCopy(&output, &output, attachResp.Reader); err != nil {
		return 0, nil, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("inspecting exec: %w", err)
	}
	return inspect.ExitCode, output.Bytes(), nil
}

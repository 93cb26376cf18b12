package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartMosquitto starts an anonymous Mosquitto broker and returns it with
// its tcp:// URL.
func StartMosquitto(ctx context.Context, containerName string) (testcontainers.Container, string, error) {
	ep, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{"1883/tcp"},
		// The image ships a listener config that allows anonymous clients.
		Cmd:        []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor: wait.ForListeningPort("1883/tcp"),
		Name:       containerName,
	}, "1883")
	if err != nil {
		return nil, "", err
	}
	return ep.container, fmt.Sprintf("tcp://%s:%d", ep.host, ep.port), nil
}

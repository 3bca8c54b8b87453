// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/soothill/switchmeter/app"
	"github.com/soothill/switchmeter/config"
)

type AppIntegrationTestSuite struct {
	suite.Suite
	brokerContainer testcontainers.Container
	brokerURL       string
}

func TestAppIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping application integration test in short mode")
	}
	suite.Run(t, new(AppIntegrationTestSuite))
}

func (s *AppIntegrationTestSuite) SetupSuite() {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{"1883/tcp"},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort("1883/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	s.Require().NoError(err)
	s.brokerContainer = container

	host, err := container.Host(ctx)
	s.Require().NoError(err)
	port, err := container.MappedPort(ctx, "1883")
	s.Require().NoError(err)
	s.brokerURL = fmt.Sprintf("tcp://%s:%s", host, port.Port())
}

func (s *AppIntegrationTestSuite) TearDownSuite() {
	if s.brokerContainer != nil {
		s.Require().NoError(s.brokerContainer.Terminate(context.Background()))
	}
}

func freeAddr(s *AppIntegrationTestSuite) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	addr := l.Addr().String()
	s.Require().NoError(l.Close())
	return addr
}

func (s *AppIntegrationTestSuite) subscribe(topic string) <-chan []byte {
	opts := pahomqtt.NewClientOptions().AddBroker(s.brokerURL).SetClientID("switchmeter-app-it")
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	s.Require().True(token.WaitTimeout(10 * time.Second))
	s.Require().NoError(token.Error())
	s.T().Cleanup(func() { client.Disconnect(250) })

	received := make(chan []byte, 4)
	token = client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		received <- msg.Payload()
	})
	s.Require().True(token.WaitTimeout(10 * time.Second))
	s.Require().NoError(token.Error())
	return received
}

func (s *AppIntegrationTestSuite) call(method, url, body string) (int, string) {
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, string(data)
}

func (s *AppIntegrationTestSuite) TestToggleReachesDevice() {
	dir := s.T().TempDir()
	listenAddr := freeAddr(s)
	configPath := filepath.Join(dir, "config.yaml")
	configContent := `
database:
  path: %s
mqtt:
  broker_url: %s
  client_id: switchmeter-it
http:
  listen_addr: %s
`
	s.Require().NoError(os.WriteFile(configPath,
		[]byte(fmt.Sprintf(configContent, filepath.Join(dir, "switches.db"), s.brokerURL, listenAddr)), 0o600))

	cfg, err := config.Load(configPath)
	s.Require().NoError(err)

	received := s.subscribe("switch/+/control")

	application, err := app.New(context.Background(), cfg, configPath)
	s.Require().NoError(err)

	done := make(chan struct{})
	go func() {
		application.Run()
		close(done)
	}()

	base := "http://" + listenAddr
	s.Require().Eventually(func() bool {
		resp, err := http.Get(base + "/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 15*time.Second, 100*time.Millisecond)

	status, body := s.call(http.MethodPost, base+"/api/switches", `{"switchId":"sw-01","powerRating":1.5,"electricityRate":12}`)
	s.Require().Equal(http.StatusCreated, status, body)

	status, body = s.call(http.MethodPut, base+"/api/switches/SW01/state", `{"isOn":true}`)
	s.Require().Equal(http.StatusOK, status, body)
	s.Contains(body, `"isOn":true`)

	select {
	case payload := <-received:
		var cmd struct {
			SwitchID  string `json:"switchId"`
			Command   string `json:"command"`
			CommandID string `json:"commandId"`
		}
		s.Require().NoError(json.Unmarshal(payload, &cmd))
		s.Equal("SW01", cmd.SwitchID)
		s.Equal("ON", cmd.Command)
		s.NotEmpty(cmd.CommandID)
	case <-time.After(10 * time.Second):
		s.T().Fatal("no command received from the switch service")
	}

	s.Eventually(func() bool {
		_, body := s.call(http.MethodGet, base+"/api/mirror/SW01", "")
		return strings.TrimSpace(body) == `"ON"`
	}, 5*time.Second, 50*time.Millisecond)

	application.Shutdown()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		s.T().Fatal("App did not shut down gracefully")
	}
}

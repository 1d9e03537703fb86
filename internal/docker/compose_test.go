package docker_test

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/christopherjohns/roomchat/internal/config"
)

type ComposeFile struct {
	Services map[string]Service `yaml:"services"`
	Volumes  map[string]any     `yaml:"volumes"`
	Networks map[string]Network `yaml:"networks"`
}

type Network struct {
	Driver string `yaml:"driver"`
}

type Service struct {
	Image       string         `yaml:"image"`
	Build       *Build         `yaml:"build"`
	Ports       []string       `yaml:"ports"`
	Environment []string       `yaml:"environment"`
	DependsOn   map[string]any `yaml:"depends_on"`
	Volumes     []string       `yaml:"volumes"`
	Healthcheck *Healthcheck   `yaml:"healthcheck"`
	Restart     string         `yaml:"restart"`
	Command     string         `yaml:"command"`
	Networks    []string       `yaml:"networks"`
}

type Build struct {
	Context string `yaml:"context"`
}

type Healthcheck struct {
	Test        []string `yaml:"test"`
	Interval    string   `yaml:"interval"`
	Timeout     string   `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod string   `yaml:"start_period"`
}

func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	// From internal/docker/ go up 2 levels to the module root
	return filepath.Join(filepath.Dir(filename), "..", "..")
}

func readCompose(t *testing.T) ComposeFile {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(projectRoot(), "docker-compose.yml"))
	if err != nil {
		t.Fatalf("failed to read docker-compose.yml: %v", err)
	}
	var compose ComposeFile
	if err := yaml.Unmarshal(data, &compose); err != nil {
		t.Fatalf("failed to parse docker-compose.yml: %v", err)
	}
	return compose
}

func assertPortMapping(t *testing.T, ports []string, expected string) {
	t.Helper()
	for _, p := range ports {
		if p == expected {
			return
		}
	}
	t.Errorf("expected port mapping %s, got %v", expected, ports)
}

func TestDockerComposeHasAllServices(t *testing.T) {
	compose := readCompose(t)

	for _, name := range []string{"roomchat", "redis"} {
		if _, ok := compose.Services[name]; !ok {
			t.Errorf("missing service: %s", name)
		}
	}
	if len(compose.Services) != 2 {
		t.Errorf("expected 2 services, got %d", len(compose.Services))
	}
}

func TestServerService(t *testing.T) {
	svc := readCompose(t).Services["roomchat"]

	if svc.Build == nil || svc.Build.Context != "." {
		t.Error("roomchat build context should be the module root")
	}
	assertPortMapping(t, svc.Ports, "8080:8080")

	if _, ok := svc.DependsOn["redis"]; !ok {
		t.Error("roomchat should depend on redis")
	}
	if svc.Healthcheck == nil || !strings.Contains(strings.Join(svc.Healthcheck.Test, " "), "/health") {
		t.Error("roomchat should have a healthcheck against /health")
	}
}

// The compose environment must use names the config loader understands.
func TestServerEnvironmentLoads(t *testing.T) {
	svc := readCompose(t).Services["roomchat"]

	for _, env := range svc.Environment {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, "ROOMCHAT_") {
			t.Fatalf("unexpected environment entry %q", env)
		}
		t.Setenv(key, value)
	}

	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config does not load with compose environment: %v", err)
	}
	if cfg.Redis.Address != "redis:6379" || !cfg.Redis.Enabled() {
		t.Errorf("expected the mirror to point at redis:6379, got %q", cfg.Redis.Address)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug logging, got %q", cfg.Log.Level)
	}
}

func TestRedisService(t *testing.T) {
	redis := readCompose(t).Services["redis"]

	if !strings.HasPrefix(redis.Image, "redis:") {
		t.Errorf("redis image should be redis:*, got %s", redis.Image)
	}
	assertPortMapping(t, redis.Ports, "6379:6379")

	if redis.Healthcheck == nil {
		t.Error("redis should have a healthcheck")
	}
	if !strings.Contains(redis.Command, "--maxmemory") || !strings.Contains(redis.Command, "--maxmemory-policy") {
		t.Error("redis should cap memory with an eviction policy")
	}
}

// The mirror is cleared on every server start, so persisting it is pointless.
func TestRedisIsEphemeral(t *testing.T) {
	compose := readCompose(t)
	redis := compose.Services["redis"]

	if len(redis.Volumes) != 0 || len(compose.Volumes) != 0 {
		t.Error("redis should not mount a persistent volume")
	}
	if !strings.Contains(redis.Command, "--appendonly no") {
		t.Error("redis should run without an append-only file")
	}
}

func TestDockerfileContent(t *testing.T) {
	data, err := os.ReadFile(filepath.Join(projectRoot(), "Dockerfile"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)

	if !strings.Contains(content, "FROM golang:") {
		t.Error("should use golang base image")
	}
	if !strings.Contains(content, "AS builder") {
		t.Error("should use multi-stage build")
	}
	if !strings.Contains(content, "./cmd/server") {
		t.Error("should build the server command")
	}
	if !strings.Contains(content, "config/config.yaml") {
		t.Error("should ship the sample config")
	}
	if !strings.Contains(content, "EXPOSE 8080") {
		t.Error("should expose port 8080")
	}
}

func TestDockerignore(t *testing.T) {
	data, err := os.ReadFile(filepath.Join(projectRoot(), ".dockerignore"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{".git", "_examples"} {
		if !strings.Contains(string(data), want) {
			t.Errorf(".dockerignore should exclude %s", want)
		}
	}
}

func TestRestartPolicies(t *testing.T) {
	compose := readCompose(t)
	for name, svc := range compose.Services {
		if svc.Restart != "unless-stopped" {
			t.Errorf("service %s should have restart: unless-stopped, got %q", name, svc.Restart)
		}
	}
}

func TestAllServicesOnNetwork(t *testing.T) {
	compose := readCompose(t)
	net, ok := compose.Networks["roomchat"]
	if !ok {
		t.Fatal("roomchat network should be defined at the top level")
	}
	if net.Driver != "bridge" {
		t.Errorf("roomchat network driver should be bridge, got %q", net.Driver)
	}
	for name, svc := range compose.Services {
		found := false
		for _, n := range svc.Networks {
			if n == "roomchat" {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("service %s should be on roomchat network", name)
		}
	}
}

package executor

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/dsyorkd/fleet-controller/internal/models"
)

// Commands are the shell templates used to manage a node's service. Each
// template is rendered with a CommandData.
type Commands struct {
	Probe  string `yaml:"probe"`
	Start  string `yaml:"start"`
	Stop   string `yaml:"stop"`
	CPU    string `yaml:"cpu"`
	Memory string `yaml:"memory"`
	Uptime string `yaml:"uptime"`
}

// DefaultCommands targets systemd hosts with procps installed
func DefaultCommands() Commands {
	return Commands{
		Probe:  "echo ok",
		Start:  "sudo systemctl start {{.Unit}}",
		Stop:   "sudo systemctl stop {{.Unit}}",
		CPU:    `top -bn1 | grep 'Cpu(s)' | awk '{print $2}' | cut -d'%' -f1`,
		Memory: `free | grep Mem | awk '{printf "%.1f", $3/$2 * 100.0}'`,
		Uptime: `cut -d' ' -f1 /proc/uptime`,
	}
}

// CommandData is what command templates can reference
type CommandData struct {
	Name string
	Host string
	Unit string
}

// Metric names a sampled node metric
type Metric string

const (
	MetricCPU    Metric = "cpu"
	MetricMemory Metric = "memory"
	MetricUptime Metric = "uptime"
)

// Lifecycle drives node services through an Executor
type Lifecycle struct {
	exec        Executor
	defaultUser string
	templates   map[string]*template.Template
}

// NewLifecycle parses the command templates
func NewLifecycle(exec Executor, cmds Commands, defaultUser string) (*Lifecycle, error) {
	defaults := DefaultCommands()
	raw := map[string]string{
		"probe":  firstNonEmpty(cmds.Probe, defaults.Probe),
		"start":  firstNonEmpty(cmds.Start, defaults.Start),
		"stop":   firstNonEmpty(cmds.Stop, defaults.Stop),
		"cpu":    firstNonEmpty(cmds.CPU, defaults.CPU),
		"memory": firstNonEmpty(cmds.Memory, defaults.Memory),
		"uptime": firstNonEmpty(cmds.Uptime, defaults.Uptime),
	}

	l := &Lifecycle{
		exec:        exec,
		defaultUser: defaultUser,
		templates:   make(map[string]*template.Template, len(raw)),
	}
	for name, text := range raw {
		tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("invalid %s command template: %w", name, err)
		}
		l.templates[name] = tmpl
	}
	return l, nil
}

// EndpointFor maps a node to its command channel
func EndpointFor(node *models.Node, defaultUser string) Endpoint {
	user := node.SSHUser
	if user == "" {
		user = defaultUser
	}
	return Endpoint{
		Host:           node.Host,
		Port:           node.SSHPort,
		User:           user,
		CredentialsRef: node.CredentialsRef,
	}
}

// Probe runs the reachability command
func (l *Lifecycle) Probe(ctx context.Context, node *models.Node) Result {
	return l.runTemplate(ctx, node, "probe")
}

// Start starts the node's service
func (l *Lifecycle) Start(ctx context.Context, node *models.Node) Result {
	return l.runTemplate(ctx, node, "start")
}

// Stop stops the node's service. Stopping a stopped service succeeds.
func (l *Lifecycle) Stop(ctx context.Context, node *models.Node) Result {
	return l.runTemplate(ctx, node, "stop")
}

// Sample runs the command for metric m
func (l *Lifecycle) Sample(ctx context.Context, node *models.Node, m Metric) Result {
	return l.runTemplate(ctx, node, string(m))
}

// Run executes an arbitrary command on node
func (l *Lifecycle) Run(ctx context.Context, node *models.Node, command string) Result {
	return l.exec.Execute(ctx, EndpointFor(node, l.defaultUser), command)
}

// Render returns the command a template would run for node
func (l *Lifecycle) Render(node *models.Node, name string) (string, error) {
	tmpl, ok := l.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown command %q", name)
	}
	var buf bytes.Buffer
	data := CommandData{Name: node.Name, Host: node.Host, Unit: node.Unit()}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s command: %w", name, err)
	}
	return buf.String(), nil
}

func (l *Lifecycle) runTemplate(ctx context.Context, node *models.Node, name string) Result {
	cmd, err := l.Render(node, name)
	if err != nil {
		return Result{ExitCode: -1, Stderr: err.Error()}
	}
	return l.Run(ctx, node, cmd)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

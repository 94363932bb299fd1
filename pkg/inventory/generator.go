package inventory

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/log"
	"github.com/idoudali/ai-how/pkg/types"
)

const kubeAPIPort = 6443

// Generator renders the hand-off artifacts consumed by the configuration
// management layer once a cluster's VMs are running: an Ansible inventory
// for every cluster and, for cloud clusters, a kubeconfig skeleton pointing
// at the controller.
type Generator struct {
	fs     afero.Fs
	dir    string
	logger zerolog.Logger
}

// NewGenerator creates a generator writing under dir. A nil fs uses the
// host filesystem.
func NewGenerator(fs afero.Fs, dir string) *Generator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Generator{
		fs:     fs,
		dir:    dir,
		logger: log.WithComponent("inventory"),
	}
}

type inventoryHost struct {
	AnsibleHost string `yaml:"ansible_host"`
}

type inventoryGroup struct {
	Hosts map[string]inventoryHost `yaml:"hosts"`
}

type inventoryAll struct {
	Children map[string]inventoryGroup `yaml:"children"`
	Vars     map[string]string         `yaml:"vars"`
}

type inventoryDoc struct {
	All inventoryAll `yaml:"all"`
}

// WriteInventory renders the cluster's Ansible inventory with controller
// and compute groups keyed by VM name and addressed by static IP. Returns
// the path written.
func (g *Generator) WriteInventory(spec *types.ClusterSpec) (string, error) {
	controller := inventoryGroup{Hosts: map[string]inventoryHost{
		spec.Controller.Name: {AnsibleHost: spec.Controller.IPAddress},
	}}
	compute := inventoryGroup{Hosts: map[string]inventoryHost{}}
	for _, node := range spec.ComputeNodes {
		compute.Hosts[node.Name] = inventoryHost{AnsibleHost: node.IPAddress}
	}

	doc := inventoryDoc{All: inventoryAll{
		Children: map[string]inventoryGroup{
			"controller": controller,
			"compute":    compute,
		},
		Vars: map[string]string{
			"cluster_name": spec.Name,
			"cluster_kind": string(spec.Kind),
		},
	}}

	path := filepath.Join(g.dir, spec.Name, "inventory.yaml")
	if err := g.writeYAML(path, doc); err != nil {
		return "", err
	}
	g.logger.Info().Str("cluster", spec.Name).Str("path", path).Msg("inventory written")
	return path, nil
}

// kubeconfig skeleton, credentials are filled in by the provisioning
// playbooks after the control plane is up
type kubeConfig struct {
	APIVersion     string         `yaml:"apiVersion"`
	Kind           string         `yaml:"kind"`
	CurrentContext string         `yaml:"current-context"`
	Clusters       []namedCluster `yaml:"clusters"`
	Contexts       []namedContext `yaml:"contexts"`
	Users          []namedUser    `yaml:"users"`
}

type namedCluster struct {
	Name    string      `yaml:"name"`
	Cluster clusterInfo `yaml:"cluster"`
}

type clusterInfo struct {
	Server                string `yaml:"server"`
	InsecureSkipTLSVerify bool   `yaml:"insecure-skip-tls-verify"`
}

type namedContext struct {
	Name    string      `yaml:"name"`
	Context contextInfo `yaml:"context"`
}

type contextInfo struct {
	Cluster string `yaml:"cluster"`
	User    string `yaml:"user"`
}

type namedUser struct {
	Name string   `yaml:"name"`
	User userInfo `yaml:"user"`
}

type userInfo struct {
	Token string `yaml:"token,omitempty"`
}

// WriteKubeconfig renders a kubeconfig skeleton for a cloud cluster,
// pointing at the controller's API server address. HPC clusters have no
// API server and are refused.
func (g *Generator) WriteKubeconfig(spec *types.ClusterSpec) (string, error) {
	if spec.Kind != types.ClusterKindCloud {
		return "", errdefs.Validation("cluster %s is kind %s, kubeconfig applies only to cloud clusters",
			spec.Name, spec.Kind)
	}

	user := spec.Name + "-admin"
	doc := kubeConfig{
		APIVersion:     "v1",
		Kind:           "Config",
		CurrentContext: spec.Name,
		Clusters: []namedCluster{{
			Name: spec.Name,
			Cluster: clusterInfo{
				Server:                fmt.Sprintf("https://%s:%d", spec.Controller.IPAddress, kubeAPIPort),
				InsecureSkipTLSVerify: true,
			},
		}},
		Contexts: []namedContext{{
			Name:    spec.Name,
			Context: contextInfo{Cluster: spec.Name, User: user},
		}},
		Users: []namedUser{{Name: user}},
	}

	path := filepath.Join(g.dir, spec.Name, "kubeconfig")
	if err := g.writeYAML(path, doc); err != nil {
		return "", err
	}
	g.logger.Info().Str("cluster", spec.Name).Str("path", path).Msg("kubeconfig written")
	return path, nil
}

// Clean removes a cluster's generated artifacts.
func (g *Generator) Clean(clusterName string) error {
	if err := g.fs.RemoveAll(filepath.Join(g.dir, clusterName)); err != nil {
		return fmt.Errorf("failed to remove artifacts for cluster %s: %w", clusterName, err)
	}
	return nil
}

func (g *Generator) writeYAML(path string, doc any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := g.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := afero.WriteFile(g.fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

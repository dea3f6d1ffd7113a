package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ecrain/phalanx/pkg/models"
)

// RoleConfig describes how runtime sessions are started for one agent role.
type RoleConfig struct {
	// Model overrides the default model for this role.
	Model string `yaml:"model"`
	// SandboxPolicy restricts what the session may touch
	// (read-only, workspace-write, danger-full-access).
	SandboxPolicy string `yaml:"sandbox_policy"`
	// ApprovalPolicy controls when the session asks for human approval
	// (never, on-request, on-failure, untrusted).
	ApprovalPolicy string `yaml:"approval_policy"`
	// DeveloperInstructions is prepended to every session of this role.
	DeveloperInstructions string `yaml:"developer_instructions"`
}

// RoleCatalog maps agent types to their session policies.
type RoleCatalog struct {
	roles map[models.AgentType]RoleConfig
}

// defaultRoles are the built-in policies for the closed role enumeration.
// Reviewers never write; coders and testers get workspace access.
var defaultRoles = map[models.AgentType]RoleConfig{
	models.AgentTypePlanner: {
		SandboxPolicy:  "read-only",
		ApprovalPolicy: "never",
		DeveloperInstructions: "You are a planning agent. Break the request into small, " +
			"independently verifiable tasks and report them as a numbered list.",
	},
	models.AgentTypeCoder: {
		SandboxPolicy:  "workspace-write",
		ApprovalPolicy: "on-request",
		DeveloperInstructions: "You are a coding agent. Implement exactly the task you are " +
			"given. Keep changes minimal and run the project's tests before finishing.",
	},
	models.AgentTypeReviewer: {
		SandboxPolicy:  "read-only",
		ApprovalPolicy: "never",
		DeveloperInstructions: "You are a review agent. Examine the changes you are given " +
			"and report defects, risks and style problems.",
	},
	models.AgentTypeTester: {
		SandboxPolicy:  "workspace-write",
		ApprovalPolicy: "on-failure",
		DeveloperInstructions: "You are a testing agent. Write tests for the described " +
			"behavior and run them.",
	},
}

// DefaultRoleCatalog returns the built-in role catalog with no file overrides.
func DefaultRoleCatalog() *RoleCatalog {
	catalog := &RoleCatalog{roles: make(map[models.AgentType]RoleConfig, len(defaultRoles))}
	for role, rc := range defaultRoles {
		catalog.roles[role] = rc
	}
	return catalog
}

// LoadRoleCatalog reads the role catalog from .phalanx/roles.yaml under the
// project root, falling back to built-in defaults for any role the file
// does not define. A missing file yields the full default catalog.
func LoadRoleCatalog(projectRoot string) (*RoleCatalog, error) {
	catalog := &RoleCatalog{roles: make(map[models.AgentType]RoleConfig, len(defaultRoles))}
	for role, rc := range defaultRoles {
		catalog.roles[role] = rc
	}

	path := filepath.Join(projectRoot, ".phalanx", "roles.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return catalog, nil
		}
		return nil, fmt.Errorf("reading role catalog: %w", err)
	}

	var overrides map[models.AgentType]RoleConfig
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parsing role catalog %s: %w", path, err)
	}

	for role, rc := range overrides {
		if !role.Valid() {
			return nil, fmt.Errorf("role catalog %s: unknown role %q", path, role)
		}
		base := catalog.roles[role]
		if rc.Model != "" {
			base.Model = rc.Model
		}
		if rc.SandboxPolicy != "" {
			base.SandboxPolicy = rc.SandboxPolicy
		}
		if rc.ApprovalPolicy != "" {
			base.ApprovalPolicy = rc.ApprovalPolicy
		}
		if rc.DeveloperInstructions != "" {
			base.DeveloperInstructions = rc.DeveloperInstructions
		}
		catalog.roles[role] = base
	}

	return catalog, nil
}

// Get returns the role config for the given agent type. Unknown types fall
// back to the coder policy.
func (c *RoleCatalog) Get(t models.AgentType) RoleConfig {
	if rc, ok := c.roles[t]; ok {
		return rc
	}
	return c.roles[models.AgentTypeCoder]
}

package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoutingFile is the routing table file name inside the base directory.
const RoutingFile = "routing.yaml"

// DefaultCategory receives tasks that match no rule.
const DefaultCategory = "general"

// Rule maps a keyword set onto a category. Rules are evaluated in file order.
type Rule struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// CategorySpec seeds a knowledge category and its owning handler.
type CategorySpec struct {
	Name        string `yaml:"name"`
	Owner       string `yaml:"owner"`
	Description string `yaml:"description,omitempty"`
}

// Capability marks a handler as eligible for a category with a weight in (0, 1].
type Capability struct {
	Handler string  `yaml:"handler"`
	Weight  float64 `yaml:"weight,omitempty"`
}

// Routing is the classification rule table plus the static capability table.
type Routing struct {
	DefaultCategory string                  `yaml:"default_category,omitempty"`
	Rules           []Rule                  `yaml:"rules"`
	Categories      []CategorySpec          `yaml:"categories"`
	Capabilities    map[string][]Capability `yaml:"capabilities"`
}

// DefaultRouting returns the built-in rule and capability tables.
func DefaultRouting() *Routing {
	return &Routing{
		DefaultCategory: DefaultCategory,
		Rules: []Rule{
			{
				Category: "infrastructure",
				Keywords: []string{
					"kubernetes", "k8s", "cluster", "pod", "pods", "deploy", "deployment",
					"helm", "storageclass", "namespace", "node", "container", "docker",
					"terraform", "ingress", "argocd", "kubectl", "statefulset", "daemonset",
					"persistent volume",
				},
			},
			{
				Category: "security",
				Keywords: []string{
					"security", "compliance", "cve", "vulnerability", "vulnerabilities",
					"rbac", "secret", "secrets", "audit", "soc2", "cis", "scan", "trivy",
					"opa", "gatekeeper", "network policy", "pii",
				},
			},
			{
				Category: "ai_ml",
				Keywords: []string{
					"model", "training", "train", "fine-tune", "ml", "mlops", "llm",
					"embedding", "embeddings", "inference", "dataset", "ai", "mlflow",
					"kubeflow", "machine learning",
				},
			},
		},
		Categories: []CategorySpec{
			{Name: "infrastructure", Owner: "katie", Description: "Cluster and platform operations"},
			{Name: "security", Owner: "igris", Description: "Security and compliance work"},
			{Name: "ai_ml", Owner: "whis", Description: "Model training and ML pipelines"},
			{Name: DefaultCategory, Owner: "james", Description: "Everything else"},
		},
		Capabilities: map[string][]Capability{
			"infrastructure": {{Handler: "katie", Weight: 1}, {Handler: "igris", Weight: 1}},
			"security":       {{Handler: "igris", Weight: 1}, {Handler: "auditguard", Weight: 0.9}},
			"ai_ml":          {{Handler: "whis", Weight: 1}},
			DefaultCategory:  {{Handler: "james", Weight: 0.8}},
		},
	}
}

// LoadRouting reads a routing table from path. A missing file yields the defaults.
func LoadRouting(path string) (*Routing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultRouting(), nil
		}
		return nil, fmt.Errorf("read routing table: %w", err)
	}
	return ParseRouting(data)
}

// ParseRouting decodes and validates a routing table.
func ParseRouting(data []byte) (*Routing, error) {
	var r Routing
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse routing table: %w", err)
	}
	if err := r.normalize(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Routing) normalize() error {
	r.DefaultCategory = strings.TrimSpace(r.DefaultCategory)
	if r.DefaultCategory == "" {
		r.DefaultCategory = DefaultCategory
	}
	for i := range r.Rules {
		rule := &r.Rules[i]
		rule.Category = strings.TrimSpace(rule.Category)
		if rule.Category == "" {
			return fmt.Errorf("routing rule %d: category is required", i)
		}
		keywords := make([]string, 0, len(rule.Keywords))
		for _, kw := range rule.Keywords {
			kw = strings.Join(strings.Fields(strings.ToLower(kw)), " ")
			if kw != "" {
				keywords = append(keywords, kw)
			}
		}
		if len(keywords) == 0 {
			return fmt.Errorf("routing rule %d (%s): at least one keyword is required", i, rule.Category)
		}
		rule.Keywords = keywords
	}
	for cat, caps := range r.Capabilities {
		for i := range caps {
			if caps[i].Handler == "" {
				return fmt.Errorf("capability for %s: handler is required", cat)
			}
			if caps[i].Weight == 0 {
				caps[i].Weight = 1
			}
			if caps[i].Weight < 0 || caps[i].Weight > 1 {
				return fmt.Errorf("capability %s/%s: weight must be in (0, 1]", cat, caps[i].Handler)
			}
		}
	}
	return nil
}

// HandlersFor returns the capability entries for a category.
func (r *Routing) HandlersFor(category string) []Capability {
	if r == nil {
		return nil
	}
	return r.Capabilities[category]
}

// Handlers returns every handler named in the capability table, sorted.
func (r *Routing) Handlers() []string {
	if r == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, caps := range r.Capabilities {
		for _, c := range caps {
			if !seen[c.Handler] {
				seen[c.Handler] = true
				out = append(out, c.Handler)
			}
		}
	}
	sort.Strings(out)
	return out
}

// CategorySpecFor returns the seed entry for a category, synthesizing one for
// categories only named by a rule. The owner falls back to the first capable handler.
func (r *Routing) CategorySpecFor(name string) CategorySpec {
	if r != nil {
		for _, c := range r.Categories {
			if c.Name == name {
				return c
			}
		}
	}
	cs := CategorySpec{Name: name}
	if caps := r.HandlersFor(name); len(caps) > 0 {
		cs.Owner = caps[0].Handler
	}
	return cs
}

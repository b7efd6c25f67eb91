package tools

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/voicewire/turnbridge/wire"
)

// Registry is the fixed tool table built at startup: one descriptor
// and one handler per name. Registration order is preserved so the
// tool catalog sent at prompt start is deterministic.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*registration
	order     []string
	validator *SchemaValidator
}

type registration struct {
	descriptor *Descriptor
	handler    Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]*registration),
		validator: NewSchemaValidator(),
	}
}

// Register adds a tool under descriptor.Name. The schema must compile
// and the name must be unused.
func (r *Registry) Register(descriptor *Descriptor, handler Handler) error {
	if err := r.validateDescriptor(descriptor); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("tool %s: %w", descriptor.Name, ErrNilHandler)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[descriptor.Name]; exists {
		return fmt.Errorf("tool %s: %w", descriptor.Name, ErrDuplicateTool)
	}
	r.tools[descriptor.Name] = &registration{descriptor: descriptor, handler: handler}
	r.order = append(r.order, descriptor.Name)
	return nil
}

// Descriptor returns the descriptor registered under name.
func (r *Registry) Descriptor(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %s: %w", name, ErrToolNotFound)
	}
	return reg.descriptor, nil
}

// lookup returns the full registration for dispatch.
func (r *Registry) lookup(name string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// List returns all registered tool names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Specs returns the tool catalog for the prompt-start event, in
// registration order.
func (r *Registry) Specs() []wire.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]wire.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		d := r.tools[name].descriptor
		specs = append(specs, wire.NewToolSpec(d.Name, d.Description, d.InputSchema))
	}
	return specs
}

// LoadManifestBytes applies an on-disk tool manifest to an already
// registered tool, overriding its description, schema, and timeout.
// YAML files may use the K8s-style manifest form or a bare descriptor;
// JSON files use the bare descriptor form. The filename is used for
// format detection and error reporting only.
func (r *Registry) LoadManifestBytes(filename string, data []byte) error {
	descriptor, err := parseManifest(filename, data)
	if err != nil {
		return err
	}
	if err := r.validateDescriptor(descriptor); err != nil {
		return fmt.Errorf("invalid tool descriptor in %s: %w", filename, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.tools[descriptor.Name]
	if !ok {
		return fmt.Errorf("manifest %s references unregistered tool %q: %w",
			filename, descriptor.Name, ErrToolNotFound)
	}
	reg.descriptor = descriptor
	return nil
}

func parseManifest(filename string, data []byte) (*Descriptor, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != ".yaml" && ext != ".yml" {
		var descriptor Descriptor
		if err := json.Unmarshal(data, &descriptor); err != nil {
			return nil, fmt.Errorf("failed to parse JSON tool file %s: %w", filename, err)
		}
		return &descriptor, nil
	}

	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML tool file %s: %w", filename, err)
	}
	rawMap, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid YAML structure in %s", filename)
	}

	// Round-trip through JSON so json tags drive both forms.
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert YAML to JSON for %s: %w", filename, err)
	}

	if apiVersion, hasAPI := rawMap["apiVersion"].(string); hasAPI && apiVersion != "" {
		var manifest Manifest
		if err := json.Unmarshal(jsonData, &manifest); err != nil {
			return nil, fmt.Errorf("failed to unmarshal manifest %s: %w", filename, err)
		}
		if manifest.Kind != ManifestKind {
			return nil, fmt.Errorf("tool manifest %s has invalid kind: expected %q, got %q",
				filename, ManifestKind, manifest.Kind)
		}
		if manifest.Metadata.Name == "" {
			return nil, fmt.Errorf("tool manifest %s is missing metadata.name", filename)
		}
		descriptor := manifest.Spec
		descriptor.Name = manifest.Metadata.Name
		return &descriptor, nil
	}

	var descriptor Descriptor
	if err := json.Unmarshal(jsonData, &descriptor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool descriptor %s: %w", filename, err)
	}
	return &descriptor, nil
}

func (r *Registry) validateDescriptor(descriptor *Descriptor) error {
	if descriptor == nil || descriptor.Name == "" {
		return ErrToolNameRequired
	}
	if descriptor.Description == "" {
		return fmt.Errorf("tool %s: %w", descriptor.Name, ErrToolDescriptionRequired)
	}
	if len(descriptor.InputSchema) == 0 {
		return fmt.Errorf("tool %s: %w", descriptor.Name, ErrInputSchemaRequired)
	}
	if _, err := r.validator.getSchema(string(descriptor.InputSchema)); err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", descriptor.Name, err)
	}
	return nil
}

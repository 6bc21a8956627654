// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"bytes"
	"encoding/json"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ConfigVersionV1Beta1 is the only config_version currently accepted.
const ConfigVersionV1Beta1 = "v1beta1"

// ComponentType discriminates the kind of workload a component declares.
type ComponentType string

const (
	ComponentTypeContinuous ComponentType = "continuous"
	ComponentTypeScheduled  ComponentType = "scheduled"
)

// ToolConfigSpec is the declarative, per-tool configuration document. It is
// both the API payload and the persisted custom resource spec.
type ToolConfigSpec struct {
	ConfigVersion string `json:"config_version"`
	// SourceURL, when set, points to an external authoritative copy of this
	// config. It is re-fetched and overwrites the stored document on every
	// read.
	SourceURL  string       `json:"source_url,omitempty"`
	Components ComponentMap `json:"components"`
}

// ComponentInfo describes one workload of a tool: how to build its image and
// how to run it. The run spec variant is selected by ComponentType.
type ComponentInfo struct {
	ComponentType ComponentType
	Build         BuildSpec
	Run           RunSpec
}

// BuildSpec is a sealed union: either a source build or a reference to
// another component's source build.
type BuildSpec interface {
	isBuildSpec()
	// DeepCopyBuildSpec returns a deep copy of the concrete value.
	DeepCopyBuildSpec() BuildSpec
}

// SourceBuildInfo requests an image build from a git repository at a ref.
type SourceBuildInfo struct {
	Repository        string `json:"repository" validate:"required,url"`
	Ref               string `json:"ref,omitempty"`
	UseLatestVersions bool   `json:"use_latest_versions,omitempty"`
}

func (*SourceBuildInfo) isBuildSpec() {}

// SourceBuildReference reuses the image built by another component in the
// same ToolConfig. The target must itself declare a SourceBuildInfo.
type SourceBuildReference struct {
	ReuseFrom string `json:"reuse_from" validate:"required"`
}

func (*SourceBuildReference) isBuildSpec() {}

// RunSpec is a sealed union over the per-kind run parameters.
type RunSpec interface {
	isRunSpec()
	// DeepCopyRunSpec returns a deep copy of the concrete value.
	DeepCopyRunSpec() RunSpec
}

// ContinuousRunSpec carries the jobs-api parameters for a continuous job.
type ContinuousRunSpec struct {
	Command           string `json:"command" validate:"required"`
	CPU               string `json:"cpu,omitempty"`
	Memory            string `json:"memory,omitempty"`
	Replicas          int    `json:"replicas,omitempty" validate:"omitempty,min=1"`
	Port              int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	PortProtocol      string `json:"port_protocol,omitempty" validate:"omitempty,oneof=tcp udp"`
	HealthCheckHTTP   string `json:"health_check_http,omitempty"`
	HealthCheckScript string `json:"health_check_script,omitempty"`
	Filelog           bool   `json:"filelog,omitempty"`
	FilelogStdout     string `json:"filelog_stdout,omitempty"`
	FilelogStderr     string `json:"filelog_stderr,omitempty"`
	Mount             string `json:"mount,omitempty"`
	Emails            string `json:"emails,omitempty"`
}

func (*ContinuousRunSpec) isRunSpec() {}

// ScheduledRunSpec carries the jobs-api parameters for a cron-style job.
type ScheduledRunSpec struct {
	Command       string `json:"command" validate:"required"`
	Schedule      string `json:"schedule" validate:"required"`
	CPU           string `json:"cpu,omitempty"`
	Memory        string `json:"memory,omitempty"`
	Timeout       int    `json:"timeout,omitempty" validate:"omitempty,min=1"`
	Retry         int    `json:"retry,omitempty" validate:"omitempty,min=0,max=5"`
	Filelog       bool   `json:"filelog,omitempty"`
	FilelogStdout string `json:"filelog_stdout,omitempty"`
	FilelogStderr string `json:"filelog_stderr,omitempty"`
	Mount         string `json:"mount,omitempty"`
	Emails        string `json:"emails,omitempty"`
}

func (*ScheduledRunSpec) isRunSpec() {}

// componentInfoJSON is the wire shadow of ComponentInfo.
type componentInfoJSON struct {
	ComponentType ComponentType   `json:"component_type"`
	Build         json.RawMessage `json:"build,omitempty"`
	Run           json.RawMessage `json:"run,omitempty"`
}

// UnmarshalJSON decodes the tagged union form of a component. The build arm
// is discriminated by the presence of reuse_from, the run arm by
// component_type.
func (c *ComponentInfo) UnmarshalJSON(data []byte) error {
	var shadow componentInfoJSON
	if err := json.Unmarshal(data, &shadow); err != nil {
		return err
	}

	c.ComponentType = shadow.ComponentType
	switch shadow.ComponentType {
	case ComponentTypeContinuous:
		if len(shadow.Run) > 0 {
			run := &ContinuousRunSpec{}
			if err := json.Unmarshal(shadow.Run, run); err != nil {
				return fmt.Errorf("invalid continuous run spec: %w", err)
			}
			c.Run = run
		}
	case ComponentTypeScheduled:
		if len(shadow.Run) > 0 {
			run := &ScheduledRunSpec{}
			if err := json.Unmarshal(shadow.Run, run); err != nil {
				return fmt.Errorf("invalid scheduled run spec: %w", err)
			}
			c.Run = run
		}
	default:
		return fmt.Errorf("unknown component type %q", shadow.ComponentType)
	}

	if len(shadow.Build) > 0 {
		build, err := unmarshalBuildSpec(shadow.Build)
		if err != nil {
			return err
		}
		c.Build = build
	}
	return nil
}

func unmarshalBuildSpec(data []byte) (BuildSpec, error) {
	var probe struct {
		ReuseFrom *string `json:"reuse_from"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid build spec: %w", err)
	}
	if probe.ReuseFrom != nil {
		ref := &SourceBuildReference{}
		if err := json.Unmarshal(data, ref); err != nil {
			return nil, fmt.Errorf("invalid build reference: %w", err)
		}
		return ref, nil
	}
	src := &SourceBuildInfo{}
	if err := json.Unmarshal(data, src); err != nil {
		return nil, fmt.Errorf("invalid source build spec: %w", err)
	}
	return src, nil
}

// MarshalJSON re-emits the tagged union form. The discriminator value is
// persisted and re-read, so both arms always round-trip.
func (c ComponentInfo) MarshalJSON() ([]byte, error) {
	shadow := componentInfoJSON{ComponentType: c.ComponentType}

	if c.Build != nil {
		raw, err := json.Marshal(c.Build)
		if err != nil {
			return nil, err
		}
		shadow.Build = raw
	}
	if c.Run != nil {
		raw, err := json.Marshal(c.Run)
		if err != nil {
			return nil, err
		}
		shadow.Run = raw
	}
	return json.Marshal(shadow)
}

// DeepCopy returns a deep copy of the component.
func (c *ComponentInfo) DeepCopy() *ComponentInfo {
	if c == nil {
		return nil
	}
	out := &ComponentInfo{ComponentType: c.ComponentType}
	if c.Build != nil {
		out.Build = c.Build.DeepCopyBuildSpec()
	}
	if c.Run != nil {
		out.Run = c.Run.DeepCopyRunSpec()
	}
	return out
}

// DeepCopyBuildSpec implements BuildSpec.
func (b *SourceBuildInfo) DeepCopyBuildSpec() BuildSpec {
	if b == nil {
		return nil
	}
	out := *b
	return &out
}

// DeepCopyBuildSpec implements BuildSpec.
func (b *SourceBuildReference) DeepCopyBuildSpec() BuildSpec {
	if b == nil {
		return nil
	}
	out := *b
	return &out
}

// DeepCopyRunSpec implements RunSpec.
func (r *ContinuousRunSpec) DeepCopyRunSpec() RunSpec {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// DeepCopyRunSpec implements RunSpec.
func (r *ScheduledRunSpec) DeepCopyRunSpec() RunSpec {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// ComponentMap is a name-to-component mapping that preserves declaration
// order. The engine walks components in this order and the builds/runs
// progress maps of a deployment mirror it.
type ComponentMap struct {
	names []string
	items map[string]ComponentInfo
}

// Len returns the number of components.
func (m *ComponentMap) Len() int {
	return len(m.names)
}

// Names returns the component names in declaration order.
func (m *ComponentMap) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Get returns the component with the given name.
func (m *ComponentMap) Get(name string) (ComponentInfo, bool) {
	c, ok := m.items[name]
	return c, ok
}

// Set inserts or replaces a component, keeping first-insertion order.
func (m *ComponentMap) Set(name string, c ComponentInfo) {
	if m.items == nil {
		m.items = make(map[string]ComponentInfo)
	}
	if _, exists := m.items[name]; !exists {
		m.names = append(m.names, name)
	}
	m.items[name] = c
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (m *ComponentMap) UnmarshalJSON(data []byte) error {
	m.names = nil
	m.items = nil

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("components must be an object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name := keyTok.(string)
		var c ComponentInfo
		if err := dec.Decode(&c); err != nil {
			return fmt.Errorf("component %q: %w", name, err)
		}
		m.Set(name, c)
	}
	_, err = dec.Token() // consume closing brace
	return err
}

// MarshalJSON emits a JSON object in declaration order.
func (m ComponentMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range m.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(m.items[name])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DeepCopyInto copies the receiver into out.
func (m *ComponentMap) DeepCopyInto(out *ComponentMap) {
	out.names = make([]string, len(m.names))
	copy(out.names, m.names)
	if m.items != nil {
		out.items = make(map[string]ComponentInfo, len(m.items))
		for name, c := range m.items {
			out.items[name] = *c.DeepCopy()
		}
	} else {
		out.items = nil
	}
}

// DeepCopyInto copies the receiver into out.
func (s *ToolConfigSpec) DeepCopyInto(out *ToolConfigSpec) {
	out.ConfigVersion = s.ConfigVersion
	out.SourceURL = s.SourceURL
	s.Components.DeepCopyInto(&out.Components)
}

// DeepCopy returns a deep copy of the spec.
func (s *ToolConfigSpec) DeepCopy() *ToolConfigSpec {
	if s == nil {
		return nil
	}
	out := new(ToolConfigSpec)
	s.DeepCopyInto(out)
	return out
}

// +kubebuilder:object:root=true
// +kubebuilder:resource:scope=Namespaced

// ToolConfig is the stored form of a tool configuration, named
// "<tool>-config" in the tool's namespace.
type ToolConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec ToolConfigSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// ToolConfigList contains a list of ToolConfig.
type ToolConfigList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ToolConfig `json:"items"`
}

func init() {
	SchemeBuilder.Register(&ToolConfig{}, &ToolConfigList{})
}

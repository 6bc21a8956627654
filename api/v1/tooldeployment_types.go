// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DeploymentState is the overall state of a deployment attempt.
type DeploymentState string

const (
	DeploymentStatePending    DeploymentState = "pending"
	DeploymentStateRunning    DeploymentState = "running"
	DeploymentStateSuccessful DeploymentState = "successful"
	DeploymentStateFailed     DeploymentState = "failed"
	DeploymentStateCancelling DeploymentState = "cancelling"
	DeploymentStateCancelled  DeploymentState = "cancelled"
	DeploymentStateTimedOut   DeploymentState = "timed_out"
)

// Terminal reports whether no engine task will move the deployment again.
func (s DeploymentState) Terminal() bool {
	switch s {
	case DeploymentStateSuccessful, DeploymentStateFailed,
		DeploymentStateCancelled, DeploymentStateTimedOut:
		return true
	}
	return false
}

// Active reports whether the deployment counts against the per-tool
// active-deployment limit.
func (s DeploymentState) Active() bool {
	return s == DeploymentStatePending || s == DeploymentStateRunning
}

// BuildState is the per-component state of the build phase.
type BuildState string

const (
	BuildStatePending    BuildState = "pending"
	BuildStateRunning    BuildState = "running"
	BuildStateSuccessful BuildState = "successful"
	BuildStateFailed     BuildState = "failed"
	BuildStateCancelled  BuildState = "cancelled"
	BuildStateSkipped    BuildState = "skipped"
	BuildStateUnknown    BuildState = "unknown"
)

// RunState is the per-component state of the run phase.
type RunState string

const (
	RunStatePending    RunState = "pending"
	RunStateSuccessful RunState = "successful"
	RunStateFailed     RunState = "failed"
	RunStateSkipped    RunState = "skipped"
	RunStateUnknown    RunState = "unknown"
)

const (
	// NoBuildNeeded is the build id recorded for components that do not
	// trigger a build of their own (build references, unsupported kinds).
	NoBuildNeeded = "NO_BUILD_NEEDED"
	// NoImageYet marks a build whose destination image is not known yet.
	NoImageYet = "NO_IMAGE_YET"
)

// BuildProgress tracks one component through the build phase.
type BuildProgress struct {
	BuildID    string     `json:"build_id"`
	State      BuildState `json:"state"`
	LongStatus string     `json:"long_status,omitempty"`
	Image      string     `json:"image,omitempty"`
}

// RunProgress tracks one component through the run phase.
type RunProgress struct {
	State      RunState `json:"state"`
	LongStatus string   `json:"long_status,omitempty"`
}

// deployIDTimeLayout is the timestamp prefix shared by deploy ids and
// creation times.
const deployIDTimeLayout = "20060102-150405"

const deployIDSuffixLen = 10

const deployIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewDeployID builds a deployment id of the form
// YYYYMMDD-HHMMSS-<10 lowercase alphanumerics> from a UTC timestamp.
func NewDeployID(now time.Time) string {
	suffix := make([]byte, deployIDSuffixLen)
	for i := range suffix {
		suffix[i] = deployIDAlphabet[rand.Intn(len(deployIDAlphabet))]
	}
	return fmt.Sprintf("%s-%s", now.UTC().Format(deployIDTimeLayout), suffix)
}

// FormatCreationTime renders a deployment creation time (UTC).
func FormatCreationTime(now time.Time) string {
	return now.UTC().Format(deployIDTimeLayout)
}

// ParseCreationTime parses a deployment creation time back into UTC.
func ParseCreationTime(value string) (time.Time, error) {
	t, err := time.ParseInLocation(deployIDTimeLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid creation time %q: %w", value, err)
	}
	return t, nil
}

// ToolDeploymentSpec is one orchestration attempt against a ToolConfig
// snapshot. deploy_id, creation_time and tool_config never change after
// creation.
type ToolDeploymentSpec struct {
	DeployID     string `json:"deploy_id"`
	CreationTime string `json:"creation_time"`
	// ToolConfig is the immutable snapshot the deployment operates on.
	ToolConfig ToolConfigSpec   `json:"tool_config"`
	Builds     BuildProgressMap `json:"builds"`
	Runs       RunProgressMap   `json:"runs"`
	Status     DeploymentState  `json:"status"`
	LongStatus string           `json:"long_status,omitempty"`
	ForceBuild bool             `json:"force_build,omitempty"`
	ForceRun   bool             `json:"force_run,omitempty"`
}

// NewToolDeployment creates a fresh pending deployment against a config
// snapshot.
func NewToolDeployment(cfg *ToolConfigSpec, now time.Time, forceBuild, forceRun bool) *ToolDeploymentSpec {
	d := &ToolDeploymentSpec{
		DeployID:     NewDeployID(now),
		CreationTime: FormatCreationTime(now),
		ToolConfig:   *cfg.DeepCopy(),
		Status:       DeploymentStatePending,
		ForceBuild:   forceBuild,
		ForceRun:     forceRun,
	}
	return d
}

// DeepCopyInto copies the receiver into out.
func (d *ToolDeploymentSpec) DeepCopyInto(out *ToolDeploymentSpec) {
	out.DeployID = d.DeployID
	out.CreationTime = d.CreationTime
	d.ToolConfig.DeepCopyInto(&out.ToolConfig)
	d.Builds.DeepCopyInto(&out.Builds)
	d.Runs.DeepCopyInto(&out.Runs)
	out.Status = d.Status
	out.LongStatus = d.LongStatus
	out.ForceBuild = d.ForceBuild
	out.ForceRun = d.ForceRun
}

// DeepCopy returns a deep copy of the spec.
func (d *ToolDeploymentSpec) DeepCopy() *ToolDeploymentSpec {
	if d == nil {
		return nil
	}
	out := new(ToolDeploymentSpec)
	d.DeepCopyInto(out)
	return out
}

// BuildProgressMap maps component names to build progress, mirroring the
// component declaration order.
type BuildProgressMap struct {
	names []string
	items map[string]BuildProgress
}

// Len returns the number of entries.
func (m *BuildProgressMap) Len() int { return len(m.names) }

// Names returns the component names in insertion order.
func (m *BuildProgressMap) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Get returns the progress entry for a component.
func (m *BuildProgressMap) Get(name string) (BuildProgress, bool) {
	p, ok := m.items[name]
	return p, ok
}

// Set inserts or replaces an entry, keeping first-insertion order.
func (m *BuildProgressMap) Set(name string, p BuildProgress) {
	if m.items == nil {
		m.items = make(map[string]BuildProgress)
	}
	if _, exists := m.items[name]; !exists {
		m.names = append(m.names, name)
	}
	m.items[name] = p
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (m *BuildProgressMap) UnmarshalJSON(data []byte) error {
	m.names = nil
	m.items = nil
	return decodeOrderedObject(data, func(name string, dec *json.Decoder) error {
		var p BuildProgress
		if err := dec.Decode(&p); err != nil {
			return fmt.Errorf("build progress %q: %w", name, err)
		}
		m.Set(name, p)
		return nil
	})
}

// MarshalJSON emits a JSON object in insertion order.
func (m BuildProgressMap) MarshalJSON() ([]byte, error) {
	return encodeOrderedObject(m.names, func(name string) (any, error) {
		return m.items[name], nil
	})
}

// DeepCopyInto copies the receiver into out.
func (m *BuildProgressMap) DeepCopyInto(out *BuildProgressMap) {
	out.names = make([]string, len(m.names))
	copy(out.names, m.names)
	if m.items != nil {
		out.items = make(map[string]BuildProgress, len(m.items))
		for name, p := range m.items {
			out.items[name] = p
		}
	} else {
		out.items = nil
	}
}

// RunProgressMap maps component names to run progress, mirroring the
// component declaration order.
type RunProgressMap struct {
	names []string
	items map[string]RunProgress
}

// Len returns the number of entries.
func (m *RunProgressMap) Len() int { return len(m.names) }

// Names returns the component names in insertion order.
func (m *RunProgressMap) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Get returns the progress entry for a component.
func (m *RunProgressMap) Get(name string) (RunProgress, bool) {
	p, ok := m.items[name]
	return p, ok
}

// Set inserts or replaces an entry, keeping first-insertion order.
func (m *RunProgressMap) Set(name string, p RunProgress) {
	if m.items == nil {
		m.items = make(map[string]RunProgress)
	}
	if _, exists := m.items[name]; !exists {
		m.names = append(m.names, name)
	}
	m.items[name] = p
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (m *RunProgressMap) UnmarshalJSON(data []byte) error {
	m.names = nil
	m.items = nil
	return decodeOrderedObject(data, func(name string, dec *json.Decoder) error {
		var p RunProgress
		if err := dec.Decode(&p); err != nil {
			return fmt.Errorf("run progress %q: %w", name, err)
		}
		m.Set(name, p)
		return nil
	})
}

// MarshalJSON emits a JSON object in insertion order.
func (m RunProgressMap) MarshalJSON() ([]byte, error) {
	return encodeOrderedObject(m.names, func(name string) (any, error) {
		return m.items[name], nil
	})
}

// DeepCopyInto copies the receiver into out.
func (m *RunProgressMap) DeepCopyInto(out *RunProgressMap) {
	out.names = make([]string, len(m.names))
	copy(out.names, m.names)
	if m.items != nil {
		out.items = make(map[string]RunProgress, len(m.items))
		for name, p := range m.items {
			out.items[name] = p
		}
	} else {
		out.items = nil
	}
}

func decodeOrderedObject(data []byte, each func(name string, dec *json.Decoder) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected an object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		if err := each(keyTok.(string), dec); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}

func encodeOrderedObject(names []string, value func(name string) (any, error)) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := value(name)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// +kubebuilder:object:root=true
// +kubebuilder:resource:scope=Namespaced

// ToolDeployment is the stored form of a deployment, named by its deploy id
// in the tool's namespace.
type ToolDeployment struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec ToolDeploymentSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// ToolDeploymentList contains a list of ToolDeployment.
type ToolDeploymentList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ToolDeployment `json:"items"`
}

func init() {
	SchemeBuilder.Register(&ToolDeployment{}, &ToolDeploymentList{})
}

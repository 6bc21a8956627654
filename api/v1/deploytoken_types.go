// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"time"

	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DeployTokenSpec is a per-tool long-lived secret that lets a tool's own
// workloads call the deployment-creation endpoint. At most one exists per
// tool.
type DeployTokenSpec struct {
	Token        string      `json:"token"`
	CreationDate metav1.Time `json:"creation_date"`
}

// NewDeployToken mints a fresh token.
func NewDeployToken(now time.Time) *DeployTokenSpec {
	return &DeployTokenSpec{
		Token:        uuid.NewString(),
		CreationDate: metav1.NewTime(now.UTC()),
	}
}

// ExpiresAt returns the instant the token stops being accepted.
func (t *DeployTokenSpec) ExpiresAt(lifetime time.Duration) time.Time {
	return t.CreationDate.Time.Add(lifetime)
}

// Expired reports whether the token is older than its lifetime.
func (t *DeployTokenSpec) Expired(now time.Time, lifetime time.Duration) bool {
	return now.After(t.ExpiresAt(lifetime))
}

// DeepCopyInto copies the receiver into out.
func (t *DeployTokenSpec) DeepCopyInto(out *DeployTokenSpec) {
	out.Token = t.Token
	out.CreationDate = *t.CreationDate.DeepCopy()
}

// DeepCopy returns a deep copy of the spec.
func (t *DeployTokenSpec) DeepCopy() *DeployTokenSpec {
	if t == nil {
		return nil
	}
	out := new(DeployTokenSpec)
	t.DeepCopyInto(out)
	return out
}

// +kubebuilder:object:root=true
// +kubebuilder:resource:scope=Namespaced

// DeployToken is the stored form of a deploy token, named after the tool in
// the tool's namespace.
type DeployToken struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec DeployTokenSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// DeployTokenList contains a list of DeployToken.
type DeployTokenList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []DeployToken `json:"items"`
}

func init() {
	SchemeBuilder.Register(&DeployToken{}, &DeployTokenList{})
}

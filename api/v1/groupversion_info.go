// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package v1 contains API Schema definitions for the toolforge.org v1 API group.
// These documents double as the storage format: the components-api persists
// them as custom resources in per-tool namespaces.
// +kubebuilder:object:generate=true
// +groupName=toolforge.org
package v1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

var (
	// GroupVersion is group version used to register these objects.
	GroupVersion = schema.GroupVersion{Group: "toolforge.org", Version: "v1"}

	// SchemeBuilder is used to add go types to the GroupVersionKind scheme.
	SchemeBuilder = &scheme.Builder{GroupVersion: GroupVersion}

	// AddToScheme adds the types in this group-version to the given scheme.
	AddToScheme = SchemeBuilder.AddToScheme
)

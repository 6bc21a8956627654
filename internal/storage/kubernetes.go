// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"log/slog"

	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
)

// KubernetesStorage persists tool configs, deployments and deploy tokens as
// custom resources in per-tool namespaces.
type KubernetesStorage struct {
	client client.Client
	// mirror replicates deploy tokens into the tool's envvars, so the
	// tool's own workloads can authenticate.
	mirror EnvvarMirror
	opts   Options
	logger *slog.Logger
}

var _ Interface = (*KubernetesStorage)(nil)

// NewKubernetesStorage creates the custom-resource backed store.
func NewKubernetesStorage(c client.Client, mirror EnvvarMirror, opts Options, logger *slog.Logger) *KubernetesStorage {
	return &KubernetesStorage{
		client: c,
		mirror: mirror,
		opts:   opts,
		logger: logger,
	}
}

// toolNamespace returns the namespace a tool's resources live in.
func toolNamespace(tool string) string {
	return "tool-" + tool
}

func configName(tool string) string {
	return tool + "-config"
}

// GetToolConfig implements Interface.
func (s *KubernetesStorage) GetToolConfig(ctx context.Context, tool string) (*toolforgev1.ToolConfigSpec, error) {
	obj := &toolforgev1.ToolConfig{}
	key := client.ObjectKey{Namespace: toolNamespace(tool), Name: configName(tool)}
	if err := s.client.Get(ctx, key, obj); err != nil {
		if k8serrors.IsNotFound(err) {
			return nil, fmt.Errorf("no configuration found for tool %s: %w", tool, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get config for tool %s: %w", tool, err)
	}
	return obj.Spec.DeepCopy(), nil
}

// SetToolConfig implements Interface. The upsert is delete and recreate, so
// stale fields of an earlier config version never linger in the stored
// object.
func (s *KubernetesStorage) SetToolConfig(ctx context.Context, tool string, cfg *toolforgev1.ToolConfigSpec) error {
	obj := &toolforgev1.ToolConfig{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: toolNamespace(tool),
			Name:      configName(tool),
		},
		Spec: *cfg.DeepCopy(),
	}
	if err := s.client.Delete(ctx, obj.DeepCopy()); err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("failed to replace config for tool %s: %w", tool, err)
	}
	if err := s.client.Create(ctx, obj); err != nil {
		return fmt.Errorf("failed to store config for tool %s: %w", tool, err)
	}
	s.logger.Info("Stored config", "tool", tool)
	return nil
}

// DeleteToolConfig implements Interface.
func (s *KubernetesStorage) DeleteToolConfig(ctx context.Context, tool string) (*toolforgev1.ToolConfigSpec, error) {
	obj := &toolforgev1.ToolConfig{}
	key := client.ObjectKey{Namespace: toolNamespace(tool), Name: configName(tool)}
	if err := s.client.Get(ctx, key, obj); err != nil {
		if k8serrors.IsNotFound(err) {
			return nil, fmt.Errorf("no configuration found for tool %s: %w", tool, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get config for tool %s: %w", tool, err)
	}
	if err := s.client.Delete(ctx, obj); err != nil && !k8serrors.IsNotFound(err) {
		return nil, fmt.Errorf("failed to delete config for tool %s: %w", tool, err)
	}
	return obj.Spec.DeepCopy(), nil
}

// CreateDeployment implements Interface.
func (s *KubernetesStorage) CreateDeployment(ctx context.Context, tool string, d *toolforgev1.ToolDeploymentSpec) error {
	obj := &toolforgev1.ToolDeployment{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: toolNamespace(tool),
			Name:      d.DeployID,
		},
		Spec: *d.DeepCopy(),
	}
	if err := s.client.Create(ctx, obj); err != nil {
		if k8serrors.IsAlreadyExists(err) {
			return fmt.Errorf("deployment %s for tool %s: %w", d.DeployID, tool, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create deployment %s for tool %s: %w", d.DeployID, tool, err)
	}

	all, err := s.listDeployments(ctx, tool)
	if err != nil {
		return err
	}
	specs := make([]*toolforgev1.ToolDeploymentSpec, len(all.Items))
	for i := range all.Items {
		specs[i] = &all.Items[i].Spec
	}
	for _, victim := range retentionVictims(specs, s.opts.MaxDeploymentsRetained) {
		s.logger.Info("Pruning retained deployment", "tool", tool, "deploy_id", victim)
		stale := &toolforgev1.ToolDeployment{
			ObjectMeta: metav1.ObjectMeta{Namespace: toolNamespace(tool), Name: victim},
		}
		if err := s.client.Delete(ctx, stale); err != nil && !k8serrors.IsNotFound(err) {
			return fmt.Errorf("failed to prune deployment %s for tool %s: %w", victim, tool, err)
		}
	}
	return nil
}

func (s *KubernetesStorage) listDeployments(ctx context.Context, tool string) (*toolforgev1.ToolDeploymentList, error) {
	list := &toolforgev1.ToolDeploymentList{}
	if err := s.client.List(ctx, list, client.InNamespace(toolNamespace(tool))); err != nil {
		return nil, fmt.Errorf("failed to list deployments for tool %s: %w", tool, err)
	}
	return list, nil
}

// sweep rewrites every expired non-terminal deployment of the tool to
// timed_out before the caller reads. Running it on every read keeps stuck
// records from surviving an engine crash.
func (s *KubernetesStorage) sweep(ctx context.Context, tool string, list *toolforgev1.ToolDeploymentList) error {
	now := s.opts.clock()()
	for i := range list.Items {
		obj := &list.Items[i]
		if !needsTimeout(&obj.Spec, s.opts.DeploymentTimeout, now) {
			continue
		}
		s.logger.Info("Sweeping timed out deployment", "tool", tool, "deploy_id", obj.Spec.DeployID)
		markTimedOut(&obj.Spec, s.opts.DeploymentTimeout)
		if err := s.client.Update(ctx, obj); err != nil && !k8serrors.IsNotFound(err) {
			return fmt.Errorf("failed to sweep deployment %s for tool %s: %w", obj.Spec.DeployID, tool, err)
		}
	}
	return nil
}

// GetDeployment implements Interface.
func (s *KubernetesStorage) GetDeployment(ctx context.Context, tool, deployID string) (*toolforgev1.ToolDeploymentSpec, error) {
	list, err := s.listDeployments(ctx, tool)
	if err != nil {
		return nil, err
	}
	if err := s.sweep(ctx, tool, list); err != nil {
		return nil, err
	}
	for i := range list.Items {
		if list.Items[i].Spec.DeployID == deployID {
			return list.Items[i].Spec.DeepCopy(), nil
		}
	}
	return nil, fmt.Errorf("no deployment %s found for tool %s: %w", deployID, tool, ErrNotFound)
}

// ListDeployments implements Interface.
func (s *KubernetesStorage) ListDeployments(ctx context.Context, tool string) ([]*toolforgev1.ToolDeploymentSpec, error) {
	list, err := s.listDeployments(ctx, tool)
	if err != nil {
		return nil, err
	}
	if err := s.sweep(ctx, tool, list); err != nil {
		return nil, err
	}
	out := make([]*toolforgev1.ToolDeploymentSpec, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, list.Items[i].Spec.DeepCopy())
	}
	sortByCreation(out)
	return out, nil
}

// UpdateDeployment implements Interface.
func (s *KubernetesStorage) UpdateDeployment(ctx context.Context, tool string, d *toolforgev1.ToolDeploymentSpec) error {
	existing := &toolforgev1.ToolDeployment{}
	key := client.ObjectKey{Namespace: toolNamespace(tool), Name: d.DeployID}
	err := s.client.Get(ctx, key, existing)
	switch {
	case k8serrors.IsNotFound(err):
		obj := &toolforgev1.ToolDeployment{
			ObjectMeta: metav1.ObjectMeta{Namespace: toolNamespace(tool), Name: d.DeployID},
			Spec:       *d.DeepCopy(),
		}
		if err := s.client.Create(ctx, obj); err != nil {
			return fmt.Errorf("failed to create deployment %s for tool %s: %w", d.DeployID, tool, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to get deployment %s for tool %s: %w", d.DeployID, tool, err)
	}

	now := s.opts.clock()()
	if needsTimeout(&existing.Spec, s.opts.DeploymentTimeout, now) {
		markTimedOut(&existing.Spec, s.opts.DeploymentTimeout)
		if err := s.client.Update(ctx, existing); err != nil {
			return fmt.Errorf("failed to sweep deployment %s for tool %s: %w", d.DeployID, tool, err)
		}
	}
	if existing.Spec.Status == toolforgev1.DeploymentStateTimedOut &&
		d.Status != toolforgev1.DeploymentStateTimedOut {
		return fmt.Errorf("deployment %s for tool %s: %w", d.DeployID, tool, ErrSuperseded)
	}

	update := d.DeepCopy()
	preserveImmutableFields(update, &existing.Spec)
	existing.Spec = *update
	if err := s.client.Update(ctx, existing); err != nil {
		return fmt.Errorf("failed to update deployment %s for tool %s: %w", d.DeployID, tool, err)
	}
	return nil
}

// DeleteDeployment implements Interface.
func (s *KubernetesStorage) DeleteDeployment(ctx context.Context, tool, deployID string) (*toolforgev1.ToolDeploymentSpec, error) {
	obj := &toolforgev1.ToolDeployment{}
	key := client.ObjectKey{Namespace: toolNamespace(tool), Name: deployID}
	if err := s.client.Get(ctx, key, obj); err != nil {
		if k8serrors.IsNotFound(err) {
			return nil, fmt.Errorf("no deployment %s found for tool %s: %w", deployID, tool, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get deployment %s for tool %s: %w", deployID, tool, err)
	}
	if err := s.client.Delete(ctx, obj); err != nil && !k8serrors.IsNotFound(err) {
		return nil, fmt.Errorf("failed to delete deployment %s for tool %s: %w", deployID, tool, err)
	}
	return obj.Spec.DeepCopy(), nil
}

// GetDeployToken implements Interface.
func (s *KubernetesStorage) GetDeployToken(ctx context.Context, tool string) (*toolforgev1.DeployTokenSpec, error) {
	obj := &toolforgev1.DeployToken{}
	key := client.ObjectKey{Namespace: toolNamespace(tool), Name: tool}
	if err := s.client.Get(ctx, key, obj); err != nil {
		if k8serrors.IsNotFound(err) {
			return nil, fmt.Errorf("no deploy token found for tool %s: %w", tool, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get deploy token for tool %s: %w", tool, err)
	}
	return obj.Spec.DeepCopy(), nil
}

// SetDeployToken implements Interface. The token is also mirrored into the
// tool's envvars so running workloads see it.
func (s *KubernetesStorage) SetDeployToken(ctx context.Context, tool string, token *toolforgev1.DeployTokenSpec) error {
	obj := &toolforgev1.DeployToken{
		ObjectMeta: metav1.ObjectMeta{Namespace: toolNamespace(tool), Name: tool},
		Spec:       *token.DeepCopy(),
	}
	if err := s.client.Delete(ctx, obj.DeepCopy()); err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("failed to replace deploy token for tool %s: %w", tool, err)
	}
	if err := s.client.Create(ctx, obj); err != nil {
		return fmt.Errorf("failed to store deploy token for tool %s: %w", tool, err)
	}
	if s.mirror != nil {
		if err := s.mirror.SetEnvvar(ctx, tool, DeployTokenEnvvar, token.Token); err != nil {
			return fmt.Errorf("failed to mirror deploy token for tool %s: %w", tool, err)
		}
	}
	s.logger.Info("Stored deploy token", "tool", tool)
	return nil
}

// DeleteDeployToken implements Interface.
func (s *KubernetesStorage) DeleteDeployToken(ctx context.Context, tool string) (*toolforgev1.DeployTokenSpec, error) {
	obj := &toolforgev1.DeployToken{}
	key := client.ObjectKey{Namespace: toolNamespace(tool), Name: tool}
	if err := s.client.Get(ctx, key, obj); err != nil {
		if k8serrors.IsNotFound(err) {
			return nil, fmt.Errorf("no deploy token found for tool %s: %w", tool, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get deploy token for tool %s: %w", tool, err)
	}
	if err := s.client.Delete(ctx, obj); err != nil && !k8serrors.IsNotFound(err) {
		return nil, fmt.Errorf("failed to delete deploy token for tool %s: %w", tool, err)
	}
	if s.mirror != nil {
		if err := s.mirror.DeleteEnvvar(ctx, tool, DeployTokenEnvvar); err != nil {
			return nil, fmt.Errorf("failed to unmirror deploy token for tool %s: %w", tool, err)
		}
	}
	return obj.Spec.DeepCopy(), nil
}

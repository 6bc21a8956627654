// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"sort"
	"time"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
)

// needsTimeout reports whether the sweep should rewrite the deployment to
// timed_out: still non-terminal, but older than the deployment timeout.
func needsTimeout(d *toolforgev1.ToolDeploymentSpec, timeout time.Duration, now time.Time) bool {
	switch d.Status {
	case toolforgev1.DeploymentStatePending,
		toolforgev1.DeploymentStateRunning,
		toolforgev1.DeploymentStateCancelling:
	default:
		return false
	}
	created, err := toolforgev1.ParseCreationTime(d.CreationTime)
	if err != nil {
		// unparseable creation times never expire; the record is broken
		// enough already without the sweep rewriting it
		return false
	}
	return now.Sub(created) >= timeout
}

// markTimedOut rewrites the deployment in place.
func markTimedOut(d *toolforgev1.ToolDeploymentSpec, timeout time.Duration) {
	d.Status = toolforgev1.DeploymentStateTimedOut
	d.LongStatus = fmt.Sprintf("Deployment did not finish within %s, marking as timed out", timeout)
}

// sortByCreation orders deployments oldest first, deploy id as tiebreaker.
// Creation times share the deploy id prefix so lexicographic order is
// chronological.
func sortByCreation(deployments []*toolforgev1.ToolDeploymentSpec) {
	sort.SliceStable(deployments, func(i, j int) bool {
		if deployments[i].CreationTime != deployments[j].CreationTime {
			return deployments[i].CreationTime < deployments[j].CreationTime
		}
		return deployments[i].DeployID < deployments[j].DeployID
	})
}

// retentionVictims returns the deploy ids to prune so that at most max
// records remain. Terminal deployments go first, oldest first; active
// deployments are never pruned even if the tool stays over the limit.
func retentionVictims(deployments []*toolforgev1.ToolDeploymentSpec, max int) []string {
	if len(deployments) <= max {
		return nil
	}
	ordered := make([]*toolforgev1.ToolDeploymentSpec, len(deployments))
	copy(ordered, deployments)
	sortByCreation(ordered)

	var victims []string
	over := len(ordered) - max
	for _, d := range ordered {
		if over == 0 {
			break
		}
		if d.Status.Terminal() {
			victims = append(victims, d.DeployID)
			over--
		}
	}
	return victims
}

// preserveImmutableFields carries the never-mutated fields of the existing
// record over into the incoming update.
func preserveImmutableFields(incoming, existing *toolforgev1.ToolDeploymentSpec) {
	incoming.DeployID = existing.DeployID
	incoming.CreationTime = existing.CreationTime
	existing.ToolConfig.DeepCopyInto(&incoming.ToolConfig)
}

package coordinator

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/plantmetric/rollout/pkg/deployment"
)

// topoSort orders regions so that every region appears after all of its
// dependencies. When no progress can be made in a pass the graph is
// circular or unresolvable; the remaining regions are appended together
// as a safety fallback rather than looping forever.
func topoSort(regions []deployment.RegionConfig) []deployment.RegionConfig {
	sorted := make([]deployment.RegionConfig, 0, len(regions))
	placed := make(map[string]bool, len(regions))
	remaining := append([]deployment.RegionConfig(nil), regions...)

	for len(remaining) > 0 {
		next := remaining[:0]
		progress := false

		for _, region := range remaining {
			if dependenciesPlaced(region, placed) {
				sorted = append(sorted, region)
				placed[region.Name] = true
				progress = true
			} else {
				next = append(next, region)
			}
		}

		if !progress {
			names := make([]string, 0, len(next))
			for _, region := range next {
				names = append(names, region.Name)
			}
			log.Errorf("UNRESOLVABLE REGION DEPENDENCY GRAPH involving %v; deploying remaining regions together with no ordering guarantee", names)
			sorted = append(sorted, next...)
			break
		}
		remaining = next
	}

	return sorted
}

// dependencyLevels groups regions so that level 0 has no dependencies and
// every region at level n depends only on regions in levels below n.
// Unresolvable remainders become one final level, logged loudly.
func dependencyLevels(regions []deployment.RegionConfig) [][]deployment.RegionConfig {
	levels := make([][]deployment.RegionConfig, 0)
	placed := make(map[string]bool, len(regions))
	remaining := append([]deployment.RegionConfig(nil), regions...)

	for len(remaining) > 0 {
		level := make([]deployment.RegionConfig, 0)
		next := remaining[:0]

		for _, region := range remaining {
			if dependenciesPlaced(region, placed) {
				level = append(level, region)
			} else {
				next = append(next, region)
			}
		}

		if len(level) == 0 {
			names := make([]string, 0, len(next))
			for _, region := range next {
				names = append(names, region.Name)
			}
			log.Errorf("UNRESOLVABLE REGION DEPENDENCY GRAPH involving %v; deploying remaining regions together with no ordering guarantee", names)
			levels = append(levels, next)
			break
		}

		for _, region := range level {
			placed[region.Name] = true
		}
		levels = append(levels, level)
		remaining = next
	}

	return levels
}

func dependenciesPlaced(region deployment.RegionConfig, placed map[string]bool) bool {
	for _, dep := range region.DependsOn {
		if !placed[dep] {
			return false
		}
	}
	return true
}

// byPriority returns regions sorted by descending priority, the order used
// to pick the leader in leader-follower mode.
func byPriority(regions []deployment.RegionConfig) []deployment.RegionConfig {
	sorted := append([]deployment.RegionConfig(nil), regions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return sorted
}

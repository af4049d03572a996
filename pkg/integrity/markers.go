package integrity

import (
	"strings"
	"time"

	"github.com/kubeflow/asset-integrity/pkg/canonical"
)

// DeletionMarkerKey is the system-owned non-critical key recording a soft
// delete. Callers cannot set it directly.
const DeletionMarkerKey = "_deletion"

// deletionFlagKeys are top-level keys that assert deletion when true.
var deletionFlagKeys = []string{"isDeleted", "deleted", "_deleted"}

type markerSource string

const (
	sourceCritical    markerSource = "critical"
	sourceNonCritical markerSource = "nonCritical"
	sourceSystem      markerSource = "system"
)

type deletionMarker struct {
	source  markerSource
	deleted bool
}

func truthy(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(b) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// flagMarkers returns a marker for every flag key or embedded _deletion
// object that asserts deletion.
func flagMarkers(m canonical.Metadata, source markerSource) []deletionMarker {
	var out []deletionMarker
	for _, k := range deletionFlagKeys {
		if v, ok := truthy(m[k]); ok && v {
			out = append(out, deletionMarker{source: source, deleted: true})
		}
	}
	if v, ok := systemMarker(m); ok && v {
		out = append(out, deletionMarker{source: source, deleted: true})
	}
	return out
}

// systemMarker reads the deleted flag of a _deletion object.
func systemMarker(m canonical.Metadata) (bool, bool) {
	raw, ok := m[DeletionMarkerKey]
	if !ok {
		return false, false
	}
	var obj map[string]any
	switch v := raw.(type) {
	case map[string]any:
		obj = v
	case canonical.Metadata:
		obj = v
	default:
		return false, false
	}
	return truthy(obj["deleted"])
}

// deletionMarkers collects the deletion markers embedded in a version's
// metadata. Markers in critical metadata and user flags only count when they
// assert deletion; the system marker counts either way.
func deletionMarkers(critical, nonCritical canonical.Metadata) []deletionMarker {
	markers := flagMarkers(critical, sourceCritical)
	for _, k := range deletionFlagKeys {
		if v, ok := truthy(nonCritical[k]); ok && v {
			markers = append(markers, deletionMarker{source: sourceNonCritical, deleted: true})
		}
	}
	if v, ok := systemMarker(nonCritical); ok {
		markers = append(markers, deletionMarker{source: sourceSystem, deleted: v})
	}
	return markers
}

// deletionTampered reports whether isDeleted disagrees with any marker.
func deletionTampered(isDeleted bool, markers []deletionMarker) bool {
	for _, m := range markers {
		if m.deleted != isDeleted {
			return true
		}
	}
	return false
}

// assertsDeletion reports whether metadata carries a marker asserting
// deletion.
func assertsDeletion(m canonical.Metadata) bool {
	return len(flagMarkers(m, sourceCritical)) > 0
}

// withoutDeletionFlags returns a copy of nonCritical without user flag keys
// that assert deletion. Flags set to false are kept.
func withoutDeletionFlags(nonCritical canonical.Metadata) canonical.Metadata {
	out := nonCritical.Clone()
	if out == nil {
		return canonical.Metadata{}
	}
	for _, k := range deletionFlagKeys {
		if v, ok := truthy(out[k]); ok && v {
			delete(out, k)
		}
	}
	return out
}

// withDeletionMarker returns a copy of nonCritical with the system marker set.
func withDeletionMarker(nonCritical canonical.Metadata, by string, at time.Time) canonical.Metadata {
	out := withoutDeletionMarker(nonCritical)
	out[DeletionMarkerKey] = map[string]any{
		"deleted": true,
		"by":      by,
		"at":      at.UTC().Format(time.RFC3339Nano),
	}
	return out
}

// withoutDeletionMarker returns a copy of nonCritical without the system
// marker. The result is never nil.
func withoutDeletionMarker(nonCritical canonical.Metadata) canonical.Metadata {
	out := nonCritical.Clone()
	if out == nil {
		out = canonical.Metadata{}
	}
	delete(out, DeletionMarkerKey)
	return out
}

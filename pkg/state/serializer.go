package state

import (
	"encoding/json"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/types"
)

// Marshal encodes a cluster state document, stamping the current schema
// version.
func Marshal(st *types.ClusterState) ([]byte, error) {
	st.SchemaVersion = types.SchemaVersion
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, errdefs.Corruption("failed to encode state for cluster %s: %v", st.ClusterName, err)
	}
	return append(data, '\n'), nil
}

// Unmarshal decodes a cluster state document, refusing input it cannot
// vouch for. A syntactically broken document or an unknown schema version
// is reported as state corruption rather than silently reinterpreted; the
// operator decides whether to restore or discard the file.
func Unmarshal(data []byte) (*types.ClusterState, error) {
	var header struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, errdefs.Corruption(
			"state file is not valid JSON (%v), restore it from a backup or destroy the cluster manually", err)
	}
	if header.SchemaVersion == "" {
		return nil, errdefs.Corruption(
			"state file has no schema_version field, it was not written by this tool")
	}
	if header.SchemaVersion != types.SchemaVersion {
		return nil, errdefs.Corruption(
			"state file has schema_version %s but this tool reads %s, upgrade the tool or migrate the file",
			header.SchemaVersion, types.SchemaVersion)
	}

	var st types.ClusterState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errdefs.Corruption("failed to decode state file: %v", err)
	}
	if st.ClusterName == "" {
		return nil, errdefs.Corruption("state file has no cluster name")
	}
	if st.VMs == nil {
		st.VMs = make(map[string]*types.VMInfo)
	}
	return &st, nil
}

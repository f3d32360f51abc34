package migration

import (
	"fmt"
	"strconv"
	"strings"
)

// ReplicaState is one parsed `slaveN:` row of `INFO REPLICATION`,
// ephemeral and recomputed every poll rather than cached.
type ReplicaState struct {
	IP     string
	Port   uint64
	State  string
	Offset uint64
	Lag    uint64
}

// parseReplicaMeta parses the comma-separated `k=v` tail of a `slaveN:`
// line (after the trailing `\r` has already been stripped).
func parseReplicaMeta(value string) (ReplicaState, error) {
	kv := make(map[string]string)
	for _, seg := range strings.Split(value, ",") {
		parts := strings.SplitN(seg, "=", 2)
		if len(parts) != 2 {
			return ReplicaState{}, fmt.Errorf("malformed replica field %q", seg)
		}
		kv[parts[0]] = parts[1]
	}
	get := func(k string) (string, error) {
		v, ok := kv[k]
		if !ok {
			return "", fmt.Errorf("missing field %q", k)
		}
		return v, nil
	}
	ip, err := get("ip")
	if err != nil {
		return ReplicaState{}, err
	}
	portStr, err := get("port")
	if err != nil {
		return ReplicaState{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 64)
	if err != nil {
		return ReplicaState{}, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	state, err := get("state")
	if err != nil {
		return ReplicaState{}, err
	}
	offsetStr, err := get("offset")
	if err != nil {
		return ReplicaState{}, err
	}
	offset, err := strconv.ParseUint(offsetStr, 10, 64)
	if err != nil {
		return ReplicaState{}, fmt.Errorf("bad offset %q: %w", offsetStr, err)
	}
	lagStr, err := get("lag")
	if err != nil {
		return ReplicaState{}, err
	}
	lag, err := strconv.ParseUint(lagStr, 10, 64)
	if err != nil {
		return ReplicaState{}, fmt.Errorf("bad lag %q: %w", lagStr, err)
	}
	return ReplicaState{IP: ip, Port: port, State: state, Offset: offset, Lag: lag}, nil
}

// extractReplicasFromReplicationInfo parses the full body of an `INFO
// REPLICATION` reply, one ReplicaState per `slaveN:` line. A malformed
// row fails the whole call (no states are returned); the caller is
// expected to log and keep polling rather than treat it as fatal.
func extractReplicasFromReplicationInfo(info string) ([]ReplicaState, error) {
	var states []ReplicaState
	for _, line := range strings.Split(info, "\r\n") {
		if !strings.HasPrefix(line, "slave") {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("malformed replication line %q", line)
		}
		value := line[idx+1:]
		// lines are split on `\r\n` already, but tolerate a lingering `\r`
		// defensively in case a source ever splits on bare `\n` instead.
		value = strings.TrimSuffix(value, "\r")
		state, err := parseReplicaMeta(value)
		if err != nil {
			return nil, fmt.Errorf("line %q: %w", line, err)
		}
		states = append(states, state)
	}
	return states, nil
}

// replicaReady reports whether any parsed replica matches
// meta.DstNodeAddress and its lag is below lagThreshold.
func replicaReady(states []ReplicaState, dstNodeAddress string, lagThreshold uint64) bool {
	for _, s := range states {
		addr := s.IP + ":" + strconv.FormatUint(s.Port, 10)
		if addr == dstNodeAddress && s.Lag < lagThreshold {
			return true
		}
	}
	return false
}

package migration

import "testing"

func TestParseReplicaMeta(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    ReplicaState
		wantErr bool
	}{
		{
			name:  "well formed",
			value: "ip=10.0.0.2,port=6380,state=online,offset=1024,lag=0",
			want:  ReplicaState{IP: "10.0.0.2", Port: 6380, State: "online", Offset: 1024, Lag: 0},
		},
		{
			name:  "nonzero lag",
			value: "ip=10.0.0.3,port=6381,state=online,offset=2048,lag=3",
			want:  ReplicaState{IP: "10.0.0.3", Port: 6381, State: "online", Offset: 2048, Lag: 3},
		},
		{
			name:    "missing field",
			value:   "ip=10.0.0.2,port=6380,state=online,offset=1024",
			wantErr: true,
		},
		{
			name:    "malformed segment",
			value:   "ip=10.0.0.2,bogus,state=online,offset=1024,lag=0",
			wantErr: true,
		},
		{
			name:    "non-numeric port",
			value:   "ip=10.0.0.2,port=abc,state=online,offset=1024,lag=0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseReplicaMeta(tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseReplicaMeta(%q) = nil error, want error", tt.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseReplicaMeta(%q) returned error: %v", tt.value, err)
			}
			if got != tt.want {
				t.Errorf("parseReplicaMeta(%q) = %+v, want %+v", tt.value, got, tt.want)
			}
		})
	}
}

func TestExtractReplicasFromReplicationInfo(t *testing.T) {
	info := "role:master\r\n" +
		"connected_slaves:2\r\n" +
		"slave0:ip=10.0.0.2,port=6380,state=online,offset=1024,lag=0\r\n" +
		"slave1:ip=10.0.0.3,port=6381,state=online,offset=2000,lag=5\r\n" +
		"master_failover_state:no-failover\r\n"

	states, err := extractReplicasFromReplicationInfo(info)
	if err != nil {
		t.Fatalf("extractReplicasFromReplicationInfo returned error: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("got %d replica states, want 2", len(states))
	}
	if states[0].IP != "10.0.0.2" || states[0].Lag != 0 {
		t.Errorf("states[0] = %+v", states[0])
	}
	if states[1].IP != "10.0.0.3" || states[1].Lag != 5 {
		t.Errorf("states[1] = %+v", states[1])
	}
}

func TestExtractReplicasFromReplicationInfoMalformedLine(t *testing.T) {
	info := "role:master\r\nslave0-no-colon\r\n"
	if _, err := extractReplicasFromReplicationInfo(info); err == nil {
		t.Fatal("expected error for malformed slave line, got nil")
	}
}

func TestReplicaReady(t *testing.T) {
	states := []ReplicaState{
		{IP: "10.0.0.2", Port: 6380, State: "online", Offset: 1024, Lag: 1},
		{IP: "10.0.0.3", Port: 6381, State: "online", Offset: 2048, Lag: 10},
	}

	if !replicaReady(states, "10.0.0.2:6380", 5) {
		t.Error("expected replica under lag threshold to be ready")
	}
	if replicaReady(states, "10.0.0.3:6381", 5) {
		t.Error("expected replica over lag threshold to not be ready")
	}
	if replicaReady(states, "10.0.0.9:6390", 5) {
		t.Error("expected unknown address to not be ready")
	}
}

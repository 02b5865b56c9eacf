package apitypes

import (
	"testing"
	"time"
)

func TestNewOrganizationID(t *testing.T) {
	valid := []string{"Org1", "a", "my-org_42", "ACME.Corp", "x!y"}
	for _, raw := range valid {
		if _, err := NewOrganizationID(raw); err != nil {
			t.Errorf("NewOrganizationID(%q) = %v, want nil", raw, err)
		}
	}
	invalid := []string{"", "org:1", "org/1", "org with space", "café", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	for _, raw := range invalid {
		if _, err := NewOrganizationID(raw); err == nil {
			t.Errorf("NewOrganizationID(%q) = nil error, want error", raw)
		}
	}
}

func TestDeviceIDParts(t *testing.T) {
	id, err := NewDeviceID("alice/laptop")
	if err != nil {
		t.Fatalf("NewDeviceID: %v", err)
	}
	if id.UserID() != "alice" {
		t.Errorf("UserID() = %q, want %q", id.UserID(), "alice")
	}
	if id.DeviceName() != "laptop" {
		t.Errorf("DeviceName() = %q, want %q", id.DeviceName(), "laptop")
	}
	if got := BuildDeviceID("alice", "laptop"); got != id {
		t.Errorf("BuildDeviceID = %q, want %q", got, id)
	}

	for _, raw := range []string{"alice", "alice/", "/laptop", "alice/lap/top", "al ice/laptop"} {
		if _, err := NewDeviceID(raw); err == nil {
			t.Errorf("NewDeviceID(%q) = nil error, want error", raw)
		}
	}
}

func TestRealmRolePermissions(t *testing.T) {
	cases := []struct {
		role                *RealmRole
		read, write, manage bool
	}{
		{nil, false, false, false},
		{RoleRef(RealmRoleReader), true, false, false},
		{RoleRef(RealmRoleContributor), true, true, false},
		{RoleRef(RealmRoleManager), true, true, true},
		{RoleRef(RealmRoleOwner), true, true, true},
	}
	for _, tc := range cases {
		name := "none"
		if tc.role != nil {
			name = string(*tc.role)
		}
		if got := tc.role.CanRead(); got != tc.read {
			t.Errorf("%s.CanRead() = %v, want %v", name, got, tc.read)
		}
		if got := tc.role.CanWrite(); got != tc.write {
			t.Errorf("%s.CanWrite() = %v, want %v", name, got, tc.write)
		}
		if got := tc.role.CanManage(); got != tc.manage {
			t.Errorf("%s.CanManage() = %v, want %v", name, got, tc.manage)
		}
	}
}

func TestInBallpark(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if !InBallpark(now.Add(-299*time.Second), now) {
		t.Error("299s in the past should be in ballpark")
	}
	if !InBallpark(now.Add(299*time.Second), now) {
		t.Error("299s in the future should be in ballpark")
	}
	if InBallpark(now.Add(-301*time.Second), now) {
		t.Error("301s in the past should be out of ballpark")
	}
	if InBallpark(now.Add(301*time.Second), now) {
		t.Error("301s in the future should be out of ballpark")
	}
}

func TestTimeMicroRoundTrip(t *testing.T) {
	orig := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	trunc := TruncateTime(orig)
	back := TimeFromMicro(TimeToMicro(trunc))
	if !back.Equal(trunc) {
		t.Errorf("round trip = %v, want %v", back, trunc)
	}
	if trunc.Nanosecond()%1000 != 0 {
		t.Errorf("truncated time has sub-microsecond precision: %v", trunc)
	}
}

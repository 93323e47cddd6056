package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestProfileRolesStaySorted(t *testing.T) {
	p := Profile{MemberID: 1}
	if !p.AddRole(RoleParty) || !p.AddRole(RoleJailed) || !p.AddRole("Admin") {
		t.Fatalf("expected new roles to be added")
	}
	if p.AddRole(RoleJailed) {
		t.Fatalf("expected duplicate role to be ignored")
	}
	want := []string{"Admin", RoleJailed, RoleParty}
	if len(p.Roles) != len(want) {
		t.Fatalf("unexpected roles: %v", p.Roles)
	}
	for i := range want {
		if p.Roles[i] != want[i] {
			t.Fatalf("roles not sorted: %v", p.Roles)
		}
	}
	if !p.HasRole(RoleJailed) || p.HasRole("Chairman") {
		t.Fatalf("HasRole mismatch: %v", p.Roles)
	}
	if !p.RemoveRole(RoleJailed) || p.RemoveRole(RoleJailed) {
		t.Fatalf("RemoveRole mismatch")
	}
	if p.HasRole(RoleJailed) || len(p.Roles) != 2 {
		t.Fatalf("unexpected roles after removal: %v", p.Roles)
	}
}

func TestProfileCloneIsDeep(t *testing.T) {
	level := 3
	p := Profile{Roles: []string{RoleParty}, ProficiencyLevel: &level}
	c := p.Clone()
	c.AddRole(RoleJailed)
	*c.ProficiencyLevel = 5
	if p.HasRole(RoleJailed) || *p.ProficiencyLevel != 3 {
		t.Fatalf("clone shares state with original")
	}
}

func TestSortRoles(t *testing.T) {
	got := SortRoles([]string{"b", "a", "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected roles: %v", got)
	}
}

func TestLogPositionParseAndCompare(t *testing.T) {
	a, err := ParseLogPosition("1526919030474-55")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, _ := ParseLogPosition("1526919030474-56")
	c, _ := ParseLogPosition("1526919030475-0")
	if !a.Less(b) || !b.Less(c) || c.Less(a) {
		t.Fatalf("ordering broken: %v %v %v", a, b, c)
	}
	if a.String() != "1526919030474-55" {
		t.Fatalf("unexpected string: %s", a)
	}
	if !(LogPosition{}).IsZero() || !(LogPosition{}).Less(a) {
		t.Fatalf("zero position must sort first")
	}
	if _, err := ParseLogPosition("abc-1"); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition, got %v", err)
	}
}

func TestLogPositionJSON(t *testing.T) {
	p := Profile{MemberID: 7, LastPosition: LogPosition{Millis: 10, Seq: 2}}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Profile
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.LastPosition != p.LastPosition {
		t.Fatalf("position lost: %v", back.LastPosition)
	}
}

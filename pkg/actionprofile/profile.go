// Package actionprofile implements the ActionProfile contract required
// by indirect match tables: a shared pool of action members, optionally
// grouped, with reference counting so a member or group that is still
// referenced by a live table entry cannot be silently reused out from
// under it.
//
// A single sync.RWMutex guards every field; read operations use RLock,
// and the few operations that mutate shared state take the full Lock.
package actionprofile

import (
	"fmt"
	"sync"

	"github.com/matchtable/switchcore/pkg/matchtable"
	"github.com/matchtable/switchcore/pkg/pipeline"
)

// Member is one action-profile entry: an action function plus its bound
// data, exactly like a direct table's ActionEntry minus the next node
// (the next node is resolved per-table at lookup time, since two tables
// may share a profile but impose distinct next-node graphs).
type Member struct {
	ActionFn   matchtable.ActionFn
	ActionData matchtable.ActionData
}

type memberSlot struct {
	member   Member
	refCount int
	valid    bool
}

type groupSlot struct {
	members  []uint64 // member handles, in selection order
	refCount int
	valid    bool
}

// Profile is a table-external, ref-counted pool of members and groups.
// Multiple match tables may hold a pointer to the same Profile.
type Profile struct {
	mu       sync.RWMutex
	name     string
	members  map[uint64]*memberSlot
	groups   map[uint64]*groupSlot
	nextMbr  uint64
	nextGrp  uint64
}

// New creates an empty action profile identified by name (used in logs
// and metrics labels).
func New(name string) *Profile {
	return &Profile{
		name:    name,
		members: make(map[uint64]*memberSlot),
		groups:  make(map[uint64]*groupSlot),
	}
}

// AddMember installs a new member and returns its handle.
func (p *Profile) AddMember(fn matchtable.ActionFn, data matchtable.ActionData) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.nextMbr
	p.nextMbr++
	p.members[h] = &memberSlot{member: Member{ActionFn: fn, ActionData: data}, valid: true}
	return h
}

// DeleteMember removes a member. A member still referenced by a live
// table entry is refused with an error rather than an assertion, since
// this is control-plane code callable from anywhere.
func (p *Profile) DeleteMember(h uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.members[h]
	if !ok || !s.valid {
		return fmt.Errorf("actionprofile %s: no such member %d", p.name, h)
	}
	if s.refCount > 0 {
		return fmt.Errorf("actionprofile %s: member %d still has %d references", p.name, h, s.refCount)
	}
	delete(p.members, h)
	return nil
}

// ModifyMember replaces a member's action function/data in place,
// preserving its handle and reference count.
func (p *Profile) ModifyMember(h uint64, fn matchtable.ActionFn, data matchtable.ActionData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.members[h]
	if !ok || !s.valid {
		return fmt.Errorf("actionprofile %s: no such member %d", p.name, h)
	}
	s.member = Member{ActionFn: fn, ActionData: data}
	return nil
}

// CreateGroup installs a new, initially empty group and returns its
// handle.
func (p *Profile) CreateGroup() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.nextGrp
	p.nextGrp++
	p.groups[h] = &groupSlot{valid: true}
	return h
}

// DeleteGroup removes a group, subject to the same ref-count discipline
// as DeleteMember.
func (p *Profile) DeleteGroup(h uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.groups[h]
	if !ok || !s.valid {
		return fmt.Errorf("actionprofile %s: no such group %d", p.name, h)
	}
	if s.refCount > 0 {
		return fmt.Errorf("actionprofile %s: group %d still has %d references", p.name, h, s.refCount)
	}
	delete(p.groups, h)
	return nil
}

// AddMemberToGroup appends a member to a group's selection set.
func (p *Profile) AddMemberToGroup(grp, mbr uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[grp]
	if !ok || !g.valid {
		return fmt.Errorf("actionprofile %s: no such group %d", p.name, grp)
	}
	if _, ok := p.members[mbr]; !ok {
		return fmt.Errorf("actionprofile %s: no such member %d", p.name, mbr)
	}
	g.members = append(g.members, mbr)
	return nil
}

// RemoveMemberFromGroup removes one occurrence of mbr from grp's
// selection set.
func (p *Profile) RemoveMemberFromGroup(grp, mbr uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[grp]
	if !ok || !g.valid {
		return fmt.Errorf("actionprofile %s: no such group %d", p.name, grp)
	}
	for i, m := range g.members {
		if m == mbr {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("actionprofile %s: group %d does not contain member %d", p.name, grp, mbr)
}

// IsValidMbr reports whether mbr names a currently installed member.
func (p *Profile) IsValidMbr(mbr uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.members[mbr]
	return ok && s.valid
}

// IsValidGrp reports whether grp names a currently installed group.
func (p *Profile) IsValidGrp(grp uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.groups[grp]
	return ok && s.valid
}

// GroupIsEmpty reports whether grp currently selects no members.
func (p *Profile) GroupIsEmpty(grp uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.groups[grp]
	return !ok || !g.valid || len(g.members) == 0
}

// RefCountIncrease bumps the reference count of whatever idx names.
// Called by an indirect table while holding its own write lock; the
// profile additionally guards the counter with its own lock since it
// may be shared by several tables.
func (p *Profile) RefCountIncrease(idx matchtable.IndirectIndex) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx.IsMember() {
		if s, ok := p.members[idx.Mbr]; ok {
			s.refCount++
		}
		return
	}
	if s, ok := p.groups[idx.Grp]; ok {
		s.refCount++
	}
}

// RefCountDecrease mirrors RefCountIncrease.
func (p *Profile) RefCountDecrease(idx matchtable.IndirectIndex) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx.IsMember() {
		if s, ok := p.members[idx.Mbr]; ok && s.refCount > 0 {
			s.refCount--
		}
		return
	}
	if s, ok := p.groups[idx.Grp]; ok && s.refCount > 0 {
		s.refCount--
	}
}

// RefCount returns the current reference count of idx, for tests and
// the control-plane inspection API.
func (p *Profile) RefCount(idx matchtable.IndirectIndex) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if idx.IsMember() {
		if s, ok := p.members[idx.Mbr]; ok {
			return s.refCount
		}
		return 0
	}
	if s, ok := p.groups[idx.Grp]; ok {
		return s.refCount
	}
	return 0
}

// Lookup resolves idx to the ActionEntry a table should execute,
// selecting one of a group's members by packet id modulo the group size
// when idx is a group. The
// returned entry's NextNode is left zero-valued: the caller (an
// indirect match table) fills it in from its own next-node graph, since
// the profile has no notion of which table is asking.
func (p *Profile) Lookup(pkt pipeline.Packet, idx matchtable.IndirectIndex) (matchtable.ActionEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var mbr uint64
	switch idx.Kind {
	case matchtable.IndexMember:
		mbr = idx.Mbr
	case matchtable.IndexGroup:
		g, ok := p.groups[idx.Grp]
		if !ok || !g.valid || len(g.members) == 0 {
			return matchtable.ActionEntry{}, fmt.Errorf("actionprofile %s: group %d is empty or invalid", p.name, idx.Grp)
		}
		// Selection by packet id modulo the member count maps the same
		// packet id to the same member every time, while spreading
		// distinct packet ids across the group's members.
		mbr = g.members[pkt.PacketID()%uint64(len(g.members))]
	}

	s, ok := p.members[mbr]
	if !ok || !s.valid {
		return matchtable.ActionEntry{}, fmt.Errorf("actionprofile %s: no such member %d", p.name, mbr)
	}
	return matchtable.ActionEntry{ActionFn: s.member.ActionFn, ActionData: s.member.ActionData}, nil
}

// DumpEntry renders idx (and the member/group it names) for debugging.
func (p *Profile) DumpEntry(idx matchtable.IndirectIndex) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if idx.IsMember() {
		s, ok := p.members[idx.Mbr]
		if !ok {
			return fmt.Sprintf("member %d (invalid)", idx.Mbr)
		}
		return fmt.Sprintf("member %d: action=%s refs=%d", idx.Mbr, s.member.ActionFn.Name(), s.refCount)
	}
	s, ok := p.groups[idx.Grp]
	if !ok {
		return fmt.Sprintf("group %d (invalid)", idx.Grp)
	}
	return fmt.Sprintf("group %d: members=%v refs=%d", idx.Grp, s.members, s.refCount)
}

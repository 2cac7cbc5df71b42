package matchtable

import (
	"fmt"
	"sync"
	"time"

	"github.com/matchtable/switchcore/pkg/pipeline"
)

// testPHV is a map-backed pipeline.PHV.
type testPHV struct {
	mu     sync.Mutex
	fields map[string]uint64
}

func newTestPHV() *testPHV {
	return &testPHV{fields: make(map[string]uint64)}
}

func (p *testPHV) SetField(header string, offset int, value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fields[fmt.Sprintf("%s/%d", header, offset)] = value
}

func (p *testPHV) GetField(header string, offset int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fields[fmt.Sprintf("%s/%d", header, offset)]
}

// testPacket is the minimal pipeline.Packet used throughout these tests.
type testPacket struct {
	phv        *testPHV
	id         uint64
	copyID     uint64
	length     int
	entryIndex uint32
	now        time.Time
}

func newTestPacket(length int) *testPacket {
	return &testPacket{phv: newTestPHV(), length: length}
}

func (p *testPacket) PHV() pipeline.PHV       { return p.phv }
func (p *testPacket) PacketID() uint64        { return p.id }
func (p *testPacket) CopyID() uint64          { return p.copyID }
func (p *testPacket) Len() int                { return p.length }
func (p *testPacket) SetEntryIndex(i uint32)  { p.entryIndex = i }
func (p *testPacket) Now() time.Time          { return p.now }

// recordAction is an ActionFn that records its invocations.
type recordAction struct {
	id   int
	name string

	mu       sync.Mutex
	calls    int
	lastData ActionData
}

func (a *recordAction) ID() int      { return a.id }
func (a *recordAction) Name() string { return a.name }

func (a *recordAction) Execute(pkt pipeline.Packet, data ActionData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.lastData = data
}

func (a *recordAction) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// testActions satisfies ActionCatalog over a fixed set of recordActions.
type testActions map[string]ActionFn

func (c testActions) ActionByName(name string) (ActionFn, bool) {
	fn, ok := c[name]
	return fn, ok
}

// Key construction helpers. Match units are homogeneous per FieldKind,
// so each helper builds a one-field key of that kind.

func exactKey(value ...byte) MatchKey {
	return MatchKey{Params: []MatchKeyParam{{Kind: FieldExact, Value: value}}}
}

func lpmKey(value []byte, prefixLen int) MatchKey {
	return MatchKey{Params: []MatchKeyParam{{Kind: FieldLPM, Value: value, PrefixLen: prefixLen}}}
}

// lpmProbe builds the probe form of an LPM key: a full value with the
// prefix length of the whole field.
func lpmProbe(value []byte) MatchKey {
	return lpmKey(value, len(value)*8)
}

func ternaryKey(value, mask []byte, priority int) MatchKey {
	return MatchKey{
		Params:   []MatchKeyParam{{Kind: FieldTernary, Value: value, Mask: mask}},
		Priority: priority,
	}
}

func ternaryProbe(value []byte) MatchKey {
	return MatchKey{Params: []MatchKeyParam{{Kind: FieldTernary, Value: value}}}
}

func rangeKey(lo, hi []byte, priority int) MatchKey {
	return MatchKey{
		Params:   []MatchKeyParam{{Kind: FieldRange, Lo: lo, Hi: hi}},
		Priority: priority,
	}
}

func rangeProbe(value []byte) MatchKey {
	return MatchKey{Params: []MatchKeyParam{{Kind: FieldRange, Value: value}}}
}

// fakeProfile is an in-package ActionProfile with observable ref counts,
// so indirect-table tests don't need the real actionprofile package
// (which depends on this one).
type fakeProfile struct {
	mu       sync.Mutex
	members  map[uint64]ActionEntry
	groups   map[uint64][]uint64
	refCount map[string]int
}

func newFakeProfile() *fakeProfile {
	return &fakeProfile{
		members:  make(map[uint64]ActionEntry),
		groups:   make(map[uint64][]uint64),
		refCount: make(map[string]int),
	}
}

func refKey(idx IndirectIndex) string {
	if idx.IsMember() {
		return fmt.Sprintf("mbr/%d", idx.Mbr)
	}
	return fmt.Sprintf("grp/%d", idx.Grp)
}

func (p *fakeProfile) addMember(h uint64, fn ActionFn, data ActionData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members[h] = ActionEntry{ActionFn: fn, ActionData: data}
}

func (p *fakeProfile) addGroup(h uint64, members ...uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[h] = members
}

func (p *fakeProfile) IsValidMbr(mbr uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.members[mbr]
	return ok
}

func (p *fakeProfile) IsValidGrp(grp uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.groups[grp]
	return ok
}

func (p *fakeProfile) GroupIsEmpty(grp uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.groups[grp]) == 0
}

func (p *fakeProfile) RefCountIncrease(idx IndirectIndex) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refCount[refKey(idx)]++
}

func (p *fakeProfile) RefCountDecrease(idx IndirectIndex) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refCount[refKey(idx)]--
}

func (p *fakeProfile) refs(idx IndirectIndex) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refCount[refKey(idx)]
}

func (p *fakeProfile) Lookup(pkt pipeline.Packet, idx IndirectIndex) (ActionEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mbr := idx.Mbr
	if idx.IsGroup() {
		members := p.groups[idx.Grp]
		if len(members) == 0 {
			return ActionEntry{}, fmt.Errorf("fakeProfile: group %d empty", idx.Grp)
		}
		mbr = members[pkt.PacketID()%uint64(len(members))]
	}
	entry, ok := p.members[mbr]
	if !ok {
		return ActionEntry{}, fmt.Errorf("fakeProfile: no member %d", mbr)
	}
	return entry, nil
}

func (p *fakeProfile) DumpEntry(idx IndirectIndex) string {
	return refKey(idx)
}

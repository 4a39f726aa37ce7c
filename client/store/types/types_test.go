package types

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestUidTextCodec(t *testing.T) {
	uid := Uid(0xABCDEF0123456789)

	text, err := uid.MarshalText()
	if err != nil {
		t.Fatal("marshal failed:", err)
	}
	if len(text) != uidBase64Unpadded {
		t.Errorf("encoded length: got %d, want %d", len(text), uidBase64Unpadded)
	}

	var back Uid
	if err = back.UnmarshalText(text); err != nil {
		t.Fatal("unmarshal failed:", err)
	}
	if back != uid {
		t.Errorf("round trip: got %v, want %v", uint64(back), uint64(uid))
	}
}

func TestUidStringZero(t *testing.T) {
	if got := ZeroUid.String(); got != "" {
		t.Errorf("zero Uid string: got %q, want empty", got)
	}
	if !ZeroUid.IsZero() {
		t.Error("IsZero is false for the zero value")
	}
	if Uid(1).IsZero() {
		t.Error("IsZero is true for a non-zero value")
	}
}

func TestParseUid(t *testing.T) {
	uid := Uid(1234567890)
	if got := ParseUid(uid.String()); got != uid {
		t.Errorf("parse of own encoding: got %v, want %v", got, uid)
	}
	if got := ParseUid("garbage"); got != ZeroUid {
		t.Errorf("parse of garbage: got %v, want zero", got)
	}
	if got := ParseUid(""); got != ZeroUid {
		t.Errorf("parse of empty: got %v, want zero", got)
	}
}

func TestUidBinaryCodec(t *testing.T) {
	uid := Uid(0x123456789ABCDEF0)
	b, err := uid.MarshalBinary()
	if err != nil {
		t.Fatal("marshal failed:", err)
	}
	var back Uid
	if err = back.UnmarshalBinary(b); err != nil {
		t.Fatal("unmarshal failed:", err)
	}
	if back != uid {
		t.Errorf("round trip: got %v, want %v", uint64(back), uint64(uid))
	}
	if err = back.UnmarshalBinary([]byte{1, 2, 3}); err == nil {
		t.Error("short buffer accepted")
	}
}

func TestUidCompare(t *testing.T) {
	if got := Uid(1).Compare(Uid(2)); got != -1 {
		t.Errorf("1 vs 2: got %d, want -1", got)
	}
	if got := Uid(2).Compare(Uid(1)); got != 1 {
		t.Errorf("2 vs 1: got %d, want 1", got)
	}
	if got := Uid(7).Compare(Uid(7)); got != 0 {
		t.Errorf("7 vs 7: got %d, want 0", got)
	}
}

func TestSortUids(t *testing.T) {
	uids := []Uid{5, 1, 9, 3, 1}
	SortUids(uids)
	if diff := cmp.Diff([]Uid{1, 1, 3, 5, 9}, uids); diff != "" {
		t.Errorf("sorted order mismatch (-want +got):\n%s", diff)
	}
}

func TestAttrTypeChangeMask(t *testing.T) {
	cases := []struct {
		attr AttrType
		mask uint32
	}{
		{AttrAvatar, ChangeAvatar},
		{AttrFirstName, ChangeFirstName},
		{AttrLastName, ChangeLastName},
		{AttrDisplayName, ChangeFirstName | ChangeLastName},
		{AttrType(99), 0},
	}
	for _, tc := range cases {
		if got := tc.attr.ChangeMask(); got != tc.mask {
			t.Errorf("ChangeMask(%d): got %b, want %b", tc.attr, got, tc.mask)
		}
	}
}

func TestAttrTypeIsVirtual(t *testing.T) {
	for _, attr := range []AttrType{AttrAvatar, AttrFirstName, AttrLastName} {
		if attr.IsVirtual() {
			t.Errorf("attribute %d must not be virtual", attr)
		}
	}
	if !AttrDisplayName.IsVirtual() {
		t.Error("the composite display name must be virtual")
	}
}

func TestLocalIDGenerator(t *testing.T) {
	var gen LocalIDGenerator
	if err := gen.Init(1, []byte("0123456789abcdef")); err != nil {
		t.Fatal("init failed:", err)
	}
	a, b := gen.Get(), gen.Get()
	if a == 0 || b == 0 || a == b {
		t.Errorf("ids not unique: %d, %d", a, b)
	}
	if s := gen.GetStr(); len(s) != uidBase64Unpadded {
		t.Errorf("string id length: got %d, want %d", len(s), uidBase64Unpadded)
	}

	if err := (&LocalIDGenerator{}).Init(1, []byte("short")); err == nil {
		t.Error("short cipher key accepted")
	}
}

func TestChatIDString(t *testing.T) {
	if got := ZeroChatID.String(); got != "" {
		t.Errorf("zero ChatID string: got %q, want empty", got)
	}
	id := ChatID(42)
	if got := id.String(); got != Uid(42).String() {
		t.Errorf("ChatID string: got %q, want the Uid encoding", got)
	}
}

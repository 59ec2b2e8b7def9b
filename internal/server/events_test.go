/* usbshare - share physical USB devices over the network
 *
 * Event fan-out tests
 */

package server

import (
	"testing"

	"github.com/usbshare/usbshare/internal/config"
	"github.com/usbshare/usbshare/internal/policy"
	"github.com/usbshare/usbshare/internal/protocol"
	"github.com/usbshare/usbshare/internal/sharing"
)

func TestSharingModeFromConfig(t *testing.T) {
	cases := []struct {
		in   config.SharingMode
		want sharing.Mode
	}{
		{config.ModeExclusive, sharing.Exclusive},
		{config.ModeReadOnly, sharing.ReadOnly},
		{config.ModeShared, sharing.Shared},
		{config.SharingMode("bogus"), sharing.Shared},
	}
	for _, c := range cases {
		if got := sharingModeFromConfig(c.in); got != c.want {
			t.Errorf("sharingModeFromConfig(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSharingModeString(t *testing.T) {
	cases := []struct {
		in   sharing.Mode
		want string
	}{
		{sharing.Exclusive, string(config.ModeExclusive)},
		{sharing.ReadOnly, string(config.ModeReadOnly)},
		{sharing.Shared, string(config.ModeShared)},
	}
	for _, c := range cases {
		if got := sharingModeString(c.in); got != c.want {
			t.Errorf("sharingModeString(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestForceDetachReason(t *testing.T) {
	if r := forceDetachReason(policy.ReasonTimeWindow); r != protocol.ForceDetachTimeWindowExpired {
		t.Errorf("ReasonTimeWindow mapped to %v, want ForceDetachTimeWindowExpired", r)
	}
	if r := forceDetachReason(policy.ReasonDurationLimit); r != protocol.ForceDetachSessionDurationLimitReached {
		t.Errorf("ReasonDurationLimit mapped to %v, want ForceDetachSessionDurationLimitReached", r)
	}
}

func TestParseEndpointIDRoundTrip(t *testing.T) {
	var want protocol.EndpointID
	for i := range want {
		want[i] = byte(i)
	}

	got, err := parseEndpointID(hexOf(want))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestParseEndpointIDRejectsBadInput(t *testing.T) {
	if _, err := parseEndpointID("not-hex"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
	if _, err := parseEndpointID("aabb"); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestParseEndpointList(t *testing.T) {
	var a, b protocol.EndpointID
	a[0], b[0] = 1, 2

	list, err := parseEndpointList([]string{hexOf(a), hexOf(b)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 || list[0] != a || list[1] != b {
		t.Fatalf("got %v, want [%x %x]", list, a, b)
	}

	if _, err := parseEndpointList([]string{"zz"}); err == nil {
		t.Fatal("expected error to propagate from a bad entry")
	}
}

func hexOf(id protocol.EndpointID) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(id)*2)
	for _, b := range id {
		out = append(out, digits[b>>4], digits[b&0xf])
	}
	return string(out)
}

/* usbshare - share physical USB devices over the network
 *
 * Tests for the token-bucket rate limiter and limit-string grammar
 */

package metrics

import (
	"testing"
	"time"
)

func TestParseLimitGrammar(t *testing.T) {
	cases := []struct {
		in      string
		wantBps float64
		wantErr bool
	}{
		{"1000", 1000, false},
		{"8Mbps", 1_000_000, false},
		{"1MB/s", 1024 * 1024, false},
		{"500kbps", 62500, false},
		{"", 0, false},
		{"garbage", 0, true},
		{"10Xyz/s", 0, true},
	}

	for _, c := range cases {
		lim, err := ParseLimit(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseLimit(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLimit(%q): unexpected error %s", c.in, err)
			continue
		}
		if lim.BytesPerSecond != c.wantBps {
			t.Errorf("ParseLimit(%q) = %v bytes/sec, want %v", c.in, lim.BytesPerSecond, c.wantBps)
		}
	}
}

func TestLimiterTryAcquireRollback(t *testing.T) {
	now := time.Unix(0, 0)
	lim := NewLimiter(Limit{}, Limit{BytesPerSecond: 100, BurstBytes: 100}, Limit{BytesPerSecond: 10, BurstBytes: 10})

	// Client bucket has 100 tokens, device bucket only has 10: a
	// 50-byte request must fail and must not debit the client bucket
	if lim.TryAcquire("client-a", "dev-1", 50, now) {
		t.Fatal("expected TryAcquire to fail: device bucket too small")
	}

	// Client bucket should be untouched by the failed device check;
	// no device key here, so only the client bucket is consulted
	if !lim.TryAcquire("client-a", "", 100, now) {
		t.Fatal("client bucket should still have its full 100 tokens after rollback")
	}
}

func TestLimiterCheckWaitDuration(t *testing.T) {
	now := time.Unix(0, 0)
	lim := NewLimiter(Limit{BytesPerSecond: 10, BurstBytes: 10}, Limit{}, Limit{})

	if !lim.TryAcquire("", "", 10, now) {
		t.Fatal("expected first acquire to succeed")
	}

	d := lim.Check("", "", 5, now)
	if d.Allowed {
		t.Fatal("expected bucket to be empty immediately after full debit")
	}
	if d.Wait <= 0 {
		t.Error("expected a positive wait duration")
	}
}

func TestLimiterRemoveDropsBucket(t *testing.T) {
	now := time.Unix(0, 0)
	lim := NewLimiter(Limit{}, Limit{BytesPerSecond: 10, BurstBytes: 10}, Limit{})

	lim.TryAcquire("client-a", "", 10, now)
	lim.RemoveClient("client-a")

	// A fresh bucket should be created with full capacity again
	if !lim.TryAcquire("client-a", "", 10, now) {
		t.Fatal("expected a fresh bucket after RemoveClient")
	}
}

func TestCheckForExemptsTopPriorityFromGlobalBucket(t *testing.T) {
	now := time.Unix(0, 0)
	lim := NewLimiter(Limit{BytesPerSecond: 10, BurstBytes: 10}, Limit{}, Limit{})
	weights := map[string]int{"realtime": 8, "interactive": 4, "bulk": 2, "background": 1}

	// Drain the global bucket
	if !lim.TryAcquire("", "", 10, now) {
		t.Fatal("expected first acquire to drain the global bucket")
	}

	if d := lim.CheckFor("background", weights, "", "", 5, now); d.Allowed {
		t.Fatal("expected background traffic to still be held back by the global bucket")
	}
	if d := lim.CheckFor("realtime", weights, "", "", 5, now); !d.Allowed {
		t.Fatal("expected realtime traffic to bypass the drained global bucket")
	}
}

func TestCheckForFallsBackToPlainCheckWithNoWeights(t *testing.T) {
	now := time.Unix(0, 0)
	lim := NewLimiter(Limit{BytesPerSecond: 10, BurstBytes: 10}, Limit{}, Limit{})
	lim.TryAcquire("", "", 10, now)

	if d := lim.CheckFor("realtime", nil, "", "", 5, now); d.Allowed {
		t.Fatal("expected no exemption when no weight map is configured")
	}
}

func TestQualityScoreAndLabel(t *testing.T) {
	perfect := Score(QualityInput{})
	if perfect != 100 {
		t.Errorf("expected perfect score 100, got %d", perfect)
	}
	if Label(perfect) != QualityExcellent {
		t.Errorf("expected Excellent, got %s", Label(perfect))
	}

	bad := Score(QualityInput{AvgLatencyMs: 200, LossRate: 0.2, RetryRate: 0.5})
	if bad != 20 {
		t.Errorf("expected 100-30-30-20 = 20, got %d", bad)
	}
	if Label(bad) != QualityCritical {
		t.Errorf("expected Critical, got %s", Label(bad))
	}
}

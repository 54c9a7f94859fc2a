package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/snapshot"
)

func TestBucketKey(t *testing.T) {
	got := bucketKey(snapshot.TierPro, ClassA, "user-1")
	want := "rate_limit:pro:A:user-1"
	if got != want {
		t.Errorf("bucketKey = %q, want %q", got, want)
	}
}

func TestCheckZeroAllowanceRejectsWithoutRedis(t *testing.T) {
	l := New(nil, DefaultLimits)

	_, err := l.Check(context.Background(), ClassD, snapshot.TierFree, "user-1")

	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeRateLimitExceeded {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED, got %v", err)
	}
}

func TestToInt64(t *testing.T) {
	if n, err := toInt64(int64(42)); err != nil || n != 42 {
		t.Errorf("toInt64(int64) = %d, %v", n, err)
	}
	if n, err := toInt64("42"); err != nil || n != 42 {
		t.Errorf("toInt64(string) = %d, %v", n, err)
	}
	if _, err := toInt64(3.14); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestToFloat64(t *testing.T) {
	if f, err := toFloat64("3.14"); err != nil || f < 3.13 || f > 3.15 {
		t.Errorf("toFloat64(string) = %f, %v", f, err)
	}
	if f, err := toFloat64(2.5); err != nil || f != 2.5 {
		t.Errorf("toFloat64(float64) = %f, %v", f, err)
	}
}

func TestDefaultLimitsShape(t *testing.T) {
	for _, class := range []Class{ClassA, ClassB, ClassC, ClassD} {
		if _, ok := DefaultLimits[class]; !ok {
			t.Errorf("missing class %s in DefaultLimits", class)
		}
	}
	if DefaultLimits[ClassA][snapshot.TierEnterprise] != 500 {
		t.Error("class A enterprise should be 500")
	}
	if DefaultLimits[ClassD][snapshot.TierAnonymous] != 0 {
		t.Error("class D anonymous should be 0")
	}
}

package domain

import (
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	cfg := NewConfigError("loss", "bad flag combination")
	data := NewDataError("dataset", "short read")
	num := NewNumericError("train", "diverged")

	if !IsConfigError(cfg) || IsDataError(cfg) {
		t.Fatal("config error misclassified")
	}
	if !IsDataError(data) || IsConfigError(data) {
		t.Fatal("data error misclassified")
	}
	if !IsKind(num, KindNumeric) {
		t.Fatal("numeric error misclassified")
	}
	if IsKind(nil, KindConfig) {
		t.Fatal("nil must not match any kind")
	}
}

func TestErrorUnwrapsThroughWrapping(t *testing.T) {
	inner := NewDataError("sampler", "malformed sample %d", 7)
	wrapped := fmt.Errorf("fetching batch: %w", inner)
	if !IsDataError(wrapped) {
		t.Fatal("expected data error through wrapping")
	}
}

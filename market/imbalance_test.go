package market

import (
	"math"
	"testing"
)

func TestCalculateImbalance(t *testing.T) {
	tests := []struct {
		name      string
		bidVolume float64
		askVolume float64
		expected  float64
	}{
		{name: "Equal volumes", bidVolume: 100, askVolume: 100, expected: 0},
		{name: "More bid volume", bidVolume: 150, askVolume: 100, expected: 0.2},
		{name: "More ask volume", bidVolume: 100, askVolume: 150, expected: -0.2},
		{name: "Zero volumes", bidVolume: 0, askVolume: 0, expected: 0},
		{name: "One zero volume", bidVolume: 100, askVolume: 0, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculateImbalance(tt.bidVolume, tt.askVolume)
			if result != tt.expected {
				t.Errorf("CalculateImbalance(%f, %f) = %f, want %f",
					tt.bidVolume, tt.askVolume, result, tt.expected)
			}
		})
	}
}

func TestOrderBookImbalance(t *testing.T) {
	book := NewOrderBook("BTCUSDT")
	_ = book.ApplyDelta(map[float64]float64{100.0: 2, 99.9: 3, 99.8: 1},
		map[float64]float64{100.1: 1, 100.2: 2, 100.3: 3})

	if got, want := book.Imbalance(1), CalculateImbalance(2, 1); got != want {
		t.Errorf("Imbalance(1) = %f, want %f", got, want)
	}
	if got, want := book.Imbalance(2), CalculateImbalance(2+3, 1+2); got != want {
		t.Errorf("Imbalance(2) = %f, want %f", got, want)
	}
	if got, want := book.Imbalance(10), CalculateImbalance(6, 6); got != want {
		t.Errorf("Imbalance(10) = %f, want %f", got, want)
	}
	if got := book.Imbalance(0); got != 0 {
		t.Errorf("Imbalance(0) = %f, want 0", got)
	}
}

func TestVolatilityCalculator(t *testing.T) {
	v := NewVolatilityCalculator(3)
	v.AddPrice(100)
	if v.StdDev() != 0 {
		t.Fatalf("single price should have zero vol")
	}
	v.AddPrice(100)
	v.AddPrice(100)
	if !v.IsReady() || v.StdDev() != 0 {
		t.Fatalf("flat prices should have zero vol")
	}
	v.AddPrice(110)
	v.AddPrice(100)
	got := v.StdDev()
	// window keeps [100, 110, 100]: returns ln(1.1), -ln(1.1)
	want := math.Log(1.1)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("unexpected vol %f want %f", got, want)
	}
	v.AddPrice(-1)
	if math.Abs(v.StdDev()-want) > 1e-9 {
		t.Fatalf("non-positive price should be ignored")
	}
}

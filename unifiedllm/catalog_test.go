package unifiedllm

import (
	"math"
	"testing"
)

func TestGetModelInfo(t *testing.T) {
	info := GetModelInfo("claude-opus-4-6")
	if info == nil {
		t.Fatal("expected to find claude-opus-4-6")
	}
	if info.Provider != "anthropic" {
		t.Errorf("expected provider %q, got %q", "anthropic", info.Provider)
	}

	info = GetModelInfo("sonnet")
	if info == nil || info.ID != "claude-sonnet-4-5" {
		t.Fatalf("expected alias lookup to find claude-sonnet-4-5, got %v", info)
	}

	if info := GetModelInfo("nonexistent-model"); info != nil {
		t.Errorf("expected nil for unknown model, got %v", info)
	}
}

func TestListModels(t *testing.T) {
	if got := len(ListModels("")); got != len(Models) {
		t.Errorf("expected %d models, got %d", len(Models), got)
	}
	tests := map[string]int{"anthropic": 2, "openai": 3, "gemini": 2, "nope": 0}
	for provider, want := range tests {
		if got := len(ListModels(provider)); got != want {
			t.Errorf("ListModels(%q) = %d models, want %d", provider, got, want)
		}
	}
}

func TestGetLatestModel(t *testing.T) {
	if m := GetLatestModel("openai"); m == nil || m.ID != "gpt-5.2" {
		t.Errorf("expected gpt-5.2, got %v", m)
	}
	if m := GetLatestModel("unknown"); m != nil {
		t.Errorf("expected nil, got %v", m)
	}
}

func TestCalculateCost(t *testing.T) {
	info := GetModelInfo("claude-sonnet-4-5")

	tests := []struct {
		name  string
		info  *ModelInfo
		usage Usage
		want  float64
	}{
		{
			name:  "input and output",
			info:  info,
			usage: Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
			want:  18.0,
		},
		{
			name: "cache tokens",
			info: info,
			usage: Usage{
				CacheWriteTokens: IntPtr(1_000_000),
				CacheReadTokens:  IntPtr(1_000_000),
			},
			want: 4.05,
		},
		{
			name:  "reported cost wins",
			info:  info,
			usage: Usage{InputTokens: 1_000_000, TotalCost: FloatPtr(0.5)},
			want:  0.5,
		},
		{
			name:  "unknown model",
			info:  nil,
			usage: Usage{InputTokens: 1000},
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateCost(tt.info, tt.usage)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CalculateCost = %v, want %v", got, tt.want)
			}
		})
	}
}

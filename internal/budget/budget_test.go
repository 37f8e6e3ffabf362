package budget

import "testing"

func TestBaseContextSize(t *testing.T) {
	tests := []struct {
		catalog, active, want int
	}{
		{0, 0, 4096},
		{1000, 0, 4096},
		{3000, 0, 6000},
		{3000, 16384, 16384},
		{10000, 8192, 20000},
	}
	for _, tt := range tests {
		if got := BaseContextSize(tt.catalog, tt.active); got != tt.want {
			t.Errorf("BaseContextSize(%d, %d) = %d, want %d", tt.catalog, tt.active, got, tt.want)
		}
	}
}

func TestTruncateLength(t *testing.T) {
	tests := []struct {
		name                          string
		ctx, catalog, prompt, maxIter int
		want                          int
	}{
		{"floor applies", 4096, 1000, 1000, 5, 4096},   // 8192/3 = 2730 -> 4096
		{"large context", 131072, 5000, 3000, 5, 40016}, // (131072-11024)/3
		{"single iteration", 32768, 1000, 1000, 1, 27744},
		{"ceiling applies", 1 << 20, 0, 0, 1, 50000},
		{"zero iterations treated as one", 32768, 1000, 1000, 0, 27744},
		{"even iterations", 40000, 0, 0, 4, 18488}, // (40000-3024)/2
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateLength(tt.ctx, tt.catalog, tt.prompt, tt.maxIter)
			if got != tt.want {
				t.Errorf("TruncateLength = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBudgetBounds(t *testing.T) {
	sizes := []int{-5000, 0, 1, 100, 4095, 4096, 9000, 65536, 1 << 22}
	for _, ctx := range sizes {
		for _, catalog := range sizes {
			for _, iter := range []int{1, 2, 3, 5, 10, 100} {
				got := TruncateLength(ctx, catalog, 500, iter)
				if got < MinTruncate || got > MaxTruncate {
					t.Fatalf("TruncateLength(%d, %d, 500, %d) = %d out of range", ctx, catalog, iter, got)
				}
			}
			if catalog < 0 {
				continue
			}
			base := BaseContextSize(catalog, ctx)
			if base < MinContextSize || base < 2*catalog || base < ctx {
				t.Fatalf("BaseContextSize(%d, %d) = %d violates lower bounds", catalog, ctx, base)
			}
		}
	}
}

package diretta

import "testing"

func TestCycleTime(t *testing.T) {
	tests := []struct {
		name     string
		mtu      uint32
		rate     uint32
		channels int
		bits     int
	}{
		{"cd audio small mtu", 1500, 44100, 2, 16},
		{"cd audio wide wire", 1500, 44100, 2, 32},
		{"hires 192/24", 1500, 192000, 2, 24},
		{"dsd64", 1500, 2822400, 2, 1},
		{"dsd512 jumbo", 9000, 22579200, 2, 1},
		{"jumbo cd", 16128, 44100, 2, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCycleCalculator(tt.mtu)
			us := c.CycleTimeUs(tt.rate, tt.channels, tt.bits)

			if us < cycleMinUs || us > cycleMaxUs {
				t.Fatalf("cycle time %dus outside [%d,%d]", us, cycleMinUs, cycleMaxUs)
			}
			if us%cycleQuantumUs != 0 {
				t.Fatalf("cycle time %dus not on the %dus quantum", us, cycleQuantumUs)
			}

			// Within the clamp range the period must track the payload:
			// payload bytes / byte rate, to quantum precision.
			bps := bytesPerSecond(tt.rate, tt.channels, tt.bits)
			exact := float64(tt.mtu-transportOverhead) / float64(bps) * 1e6
			if exact >= cycleMinUs && exact <= cycleMaxUs {
				diff := float64(us) - exact
				if diff < -cycleQuantumUs || diff > cycleQuantumUs {
					t.Fatalf("cycle time %dus, exact %.1fus: off by more than a quantum", us, exact)
				}
			}
		})
	}
}

func TestBytesPerCycle(t *testing.T) {
	c := NewCycleCalculator(1500)

	tests := []struct {
		name       string
		rate       uint32
		channels   int
		bits       int
		frameBytes int
		want       int
	}{
		// 44100*2*16/8 = 176400 B/s -> 176/frame 4 -> 176
		{"cd 16bit wire", 44100, 2, 16, 4, 176},
		// 352800 B/s -> 352.8 -> 352 rounds up to frame 8 -> 352
		{"cd 32bit wire", 44100, 2, 32, 8, 352},
		// DSD64 stereo: 705600 B/s -> 705 -> rounded to 8-byte frames
		{"dsd64", 2822400, 2, 1, 8, 712},
		// Tiny rate floors at 64 bytes
		{"floor", 8000, 1, 16, 2, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.BytesPerCycle(tt.rate, tt.channels, tt.bits, tt.frameBytes)
			if got != tt.want {
				t.Errorf("BytesPerCycle = %d, want %d", got, tt.want)
			}
			if got%tt.frameBytes != 0 && got != 64 {
				t.Errorf("BytesPerCycle = %d not frame aligned (%d)", got, tt.frameBytes)
			}
		})
	}
}

func TestPayloadPerCycleGuards(t *testing.T) {
	c := NewCycleCalculator(10) // below transport overhead
	if got := c.payloadPerCycle(); got != 1 {
		t.Fatalf("payloadPerCycle = %d for degenerate MTU, want 1", got)
	}
	if us := c.CycleTimeUs(44100, 2, 16); us < cycleMinUs {
		t.Fatalf("cycle time %dus below floor", us)
	}
}

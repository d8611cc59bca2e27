package timex

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Duration
		wantErr bool
	}{
		{name: "string", in: `"90s"`, want: 90 * time.Second},
		{name: "minutes", in: `"5m"`, want: 5 * time.Minute},
		{name: "nanoseconds", in: `1000`, want: 1000},
		{name: "null", in: `null`, want: 0},
		{name: "bad string", in: `"soon"`, wantErr: true},
		{name: "bool", in: `true`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.in), &d)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration)
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(Duration{Duration: 2 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, `"2h0m0s"`, string(b))
}

func TestDuration_UnmarshalEnvironmentValue(t *testing.T) {
	var d Duration
	if err := d.UnmarshalEnvironmentValue("90s"); err != nil || d.Duration != 90*time.Second {
		t.Fatalf("got %v, %v", d.Duration, err)
	}
	if err := d.UnmarshalEnvironmentValue("15"); err != nil || d.Duration != 15*time.Second {
		t.Fatalf("got %v, %v", d.Duration, err)
	}
	if err := d.UnmarshalEnvironmentValue("soon"); err == nil {
		t.Fatal("expected error")
	}
}

package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		frame  [5]byte
		expect Reading
		err    error
	}{
		{"typical", [5]byte{0x02, 0x1f, 0x00, 0xd9, 0xfa},
			Reading{Humidity: 54.3, Temperature: 21.7}, nil},
		{"zero", [5]byte{0, 0, 0, 0, 0}, Reading{}, nil},
		{"negative-temp", [5]byte{0x01, 0x90, 0x80, 0x65, 0x76},
			Reading{Humidity: 40.0, Temperature: -10.1}, nil},
		{"checksum-mismatch", [5]byte{0x02, 0x1f, 0x00, 0xd9, 0x00},
			Reading{}, ErrChecksum},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			r, err := decode(c.frame)
			if c.err != nil {
				require.Equal(t, c.err, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, c.expect.Humidity, r.Humidity, 0.001)
			assert.InDelta(t, c.expect.Temperature, r.Temperature, 0.001)
		})
	}
}

func TestMock(t *testing.T) {
	t.Parallel()

	m := &Mock{}
	m.Set(Reading{Humidity: 54.3, Temperature: 21.7}, nil)
	r, err := m.Sample()
	require.NoError(t, err)
	assert.Equal(t, float32(54.3), r.Humidity)
	m.Set(Reading{}, ErrTimeout)
	_, err = m.Sample()
	assert.Equal(t, ErrTimeout, err)
	assert.Equal(t, 2, m.Calls())
}

package dht

// decode validates and converts the 5-byte sensor frame:
// humidity-high, humidity-low, temperature-high, temperature-low,
// checksum (low 8 bits of the sum of the first four).
// Temperature high bit is sign, remaining 15 bits are tenths.
func decode(frame [5]byte) (Reading, error) {
	sum := frame[0] + frame[1] + frame[2] + frame[3]
	if sum != frame[4] {
		return Reading{}, ErrChecksum
	}

	hum := uint16(frame[0])<<8 | uint16(frame[1])
	tempRaw := uint16(frame[2])<<8 | uint16(frame[3])
	temp := float32(tempRaw&0x7fff) / 10
	if tempRaw&0x8000 != 0 {
		temp = -temp
	}
	return Reading{
		Humidity:    float32(hum) / 10,
		Temperature: temp,
	}, nil
}

package logger

import (
	"fmt"
	"hash/crc32"
)

// palette holds the 256-colour codes that stay readable on a dark terminal.
var palette = func() []uint8 {
	var p []uint8
	for c := uint8(21); c <= 51; c++ {
		p = append(p, c)
	}
	for c := uint8(63); c <= 231; c++ {
		if c >= 88 && c <= 91 || c == 145 {
			continue
		}
		p = append(p, c)
	}
	return p
}()

// colourFor picks a colour from a hash of value so the same trace or record name always
// renders the same way.
func colourFor(value string) string {
	i := crc32.ChecksumIEEE([]byte(value)) % uint32(len(palette))
	return fmt.Sprintf("\033[1;38;5;%dm%s\033[0m", palette[i], value)
}

func errorHighlight(s string) string {
	return fmt.Sprintf("\033[1;37;41m%s\033[0m", s)
}

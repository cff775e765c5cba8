package vm

import (
	"fmt"
	"strings"
)

// maxString bounds %s and strcpy reads of unterminated memory.
const maxString = 1 << 20

// cformat expands a C printf format. Integer conversions take the
// length modifier into account (%d is 32-bit, %ld and %lld 64-bit),
// %s reads a NUL-terminated string from program memory and %p prints an
// address. Missing arguments read as 0.
func (m *Machine) cformat(format string, args []int64) string {
	var sb strings.Builder
	next := func() int64 {
		if len(args) == 0 {
			return 0
		}
		v := args[0]
		args = args[1:]
		return v
	}

	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		if i+1 < len(format) && format[i+1] == '%' {
			sb.WriteByte('%')
			i++
			continue
		}

		// %[flags][width][.precision][length]verb
		j := i + 1
		for j < len(format) && strings.IndexByte("-+ #0", format[j]) >= 0 {
			j++
		}
		for j < len(format) && (format[j] >= '0' && format[j] <= '9' || format[j] == '.') {
			j++
		}
		spec := format[i+1 : j]
		long := 0
		for j < len(format) && strings.IndexByte("hlzjt", format[j]) >= 0 {
			if format[j] == 'l' || format[j] == 'z' || format[j] == 'j' {
				long++
			}
			j++
		}
		if j >= len(format) {
			sb.WriteString(format[i:])
			break
		}
		verb := format[j]
		start := i
		i = j

		switch verb {
		case 'd', 'i':
			v := next()
			if long == 0 {
				v = int64(int32(v))
			}
			fmt.Fprintf(&sb, "%"+spec+"d", v)
		case 'u':
			v := uint64(next())
			if long == 0 {
				v = uint64(uint32(v))
			}
			fmt.Fprintf(&sb, "%"+spec+"d", v)
		case 'x', 'X', 'o':
			v := uint64(next())
			if long == 0 {
				v = uint64(uint32(v))
			}
			fmt.Fprintf(&sb, "%"+spec+string(verb), v)
		case 'c':
			fmt.Fprintf(&sb, "%"+spec+"c", rune(byte(next())))
		case 's':
			fmt.Fprintf(&sb, "%"+spec+"s", m.mem.cstring(uint64(next()), maxString))
		case 'p':
			fmt.Fprintf(&sb, "%"+spec+"s", fmt.Sprintf("0x%x", uint64(next())))
		default:
			sb.WriteString(format[start : j+1])
		}
	}
	return sb.String()
}

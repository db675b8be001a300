package quantize

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HostSupports reports whether the running CPU implements isa.
func HostSupports(isa ISA) bool {
	switch isa {
	case ISAAVX2:
		return cpu.X86.HasAVX2
	case ISAAVX512:
		return cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW
	case ISAAVX512VNNI:
		return cpu.X86.HasAVX512F && cpu.X86.HasAVX512VNNI
	case ISAARM64:
		return runtime.GOARCH == "arm64" && cpu.ARM64.HasASIMD
	default:
		return false
	}
}

// DetectISA returns the best target the host supports.
func DetectISA() (ISA, bool) {
	for _, isa := range []ISA{ISAAVX512VNNI, ISAAVX512, ISAAVX2, ISAARM64} {
		if HostSupports(isa) {
			return isa, true
		}
	}
	return "", false
}

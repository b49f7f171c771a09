package pagetable

import (
	"fmt"
	"strconv"
)

// Kind describes the memory layout class of a page's contents.
type Kind uint8

// Layout classes understood by consumers. Values follow the hardware
// encoding; unnamed values are carried through untouched.
const (
	KindPitch          Kind = 0x00
	KindZ16            Kind = 0x01
	KindZ16_2C         Kind = 0x02
	KindS8Z24          Kind = 0x11
	KindZ24S8          Kind = 0x25
	KindZF32           Kind = 0x7b
	KindZF32X24S8      Kind = 0xce
	KindGeneric16BX2   Kind = 0xfe
	KindInvalid        Kind = 0xff
	KindPitchNoSwizzle Kind = 0xfd
	KindC32_2C         Kind = 0xd8
	KindC64_2C         Kind = 0xe0
	KindC128_2C        Kind = 0xf2
	KindX8C24          Kind = 0xfc
)

var kindNames = map[Kind]string{
	KindPitch:          "pitch",
	KindZ16:            "z16",
	KindZ16_2C:         "z16_2c",
	KindS8Z24:          "s8z24",
	KindZ24S8:          "z24s8",
	KindZF32:           "zf32",
	KindZF32X24S8:      "zf32_x24s8",
	KindGeneric16BX2:   "generic_16bx2",
	KindInvalid:        "invalid",
	KindPitchNoSwizzle: "pitch_no_swizzle",
	KindC32_2C:         "c32_2c",
	KindC64_2C:         "c64_2c",
	KindC128_2C:        "c128_2c",
	KindX8C24:          "x8c24",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%#02x)", uint8(k))
}

// IsPitch reports whether pages of this kind are linear (not block-linear).
func (k Kind) IsPitch() bool {
	return k == KindPitch || k == KindPitchNoSwizzle
}

// IsCompressible reports whether the kind uses a compressed ("_2C") encoding.
func (k Kind) IsCompressible() bool {
	switch k {
	case KindZ16_2C, KindC32_2C, KindC64_2C, KindC128_2C:
		return true
	}
	return false
}

// ParseKind accepts a kind name as printed by String, or a numeric value.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("pagetable: unknown kind %q", s)
	}
	return Kind(v), nil
}

package memsys

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

// Byte size units.
const (
	KiB Size = 1 << 10
	MiB Size = 1 << 20
	GiB Size = 1 << 30
)

// Size is a byte count. In YAML it is written either as a plain integer or
// with a binary unit suffix: 512, 64KiB, 16MiB, 1GiB. K, M and G are
// accepted as binary units too.
type Size int

var units = []struct {
	suffix string
	mult   Size
}{
	{"gib", GiB}, {"mib", MiB}, {"kib", KiB},
	{"g", GiB}, {"m", MiB}, {"k", KiB},
	{"b", 1},
}

// ParseSize parses a size string such as "16MiB".
func ParseSize(s string) (Size, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	mult := Size(1)
	for _, u := range units {
		if rest, ok := strings.CutSuffix(in, u.suffix); ok {
			in, mult = strings.TrimSpace(rest), u.mult
			break
		}
	}
	n, err := strconv.Atoi(in)
	if err != nil {
		return 0, errors.Wrapf(err, "size %q", s)
	}
	if n < 0 {
		return 0, errors.Newf("size %q is negative", s)
	}
	if Size(n) > Size(int(^uint(0)>>1))/mult {
		return 0, errors.Newf("size %q overflows", s)
	}
	return Size(n) * mult, nil
}

// String formats s with the largest unit that divides it exactly.
func (s Size) String() string {
	for _, u := range []struct {
		name string
		mult Size
	}{{"GiB", GiB}, {"MiB", MiB}, {"KiB", KiB}} {
		if s != 0 && s%u.mult == 0 {
			return strconv.Itoa(int(s/u.mult)) + u.name
		}
	}
	return strconv.Itoa(int(s))
}

// Human formats s with thousands separators, e.g. "16,777,216 bytes".
func (s Size) Human() string {
	return message.NewPrinter(language.English).Sprintf("%d bytes", int(s))
}

// UnmarshalYAML accepts integers and unit strings.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Newf("line %d: size must be a scalar", value.Line)
	}
	v, err := ParseSize(value.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*s = v
	return nil
}

// MarshalYAML writes the unit form.
func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

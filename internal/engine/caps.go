package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// VideoFormat is the part of a raw video caps description the frame handoff
// cares about. Two frames with equal VideoFormat can share a converter.
type VideoFormat struct {
	Media  string // e.g. video/x-raw
	Memory string // caps feature, e.g. memory:D3D11Memory ("" for system memory)
	Format string // e.g. RGBA, NV12
	Width  int
	Height int
}

// String returns the format in caps-like notation
func (f VideoFormat) String() string {
	media := f.Media
	if f.Memory != "" {
		media += "(" + f.Memory + ")"
	}
	return fmt.Sprintf("%s,format=%s,width=%d,height=%d", media, f.Format, f.Width, f.Height)
}

// IsZero reports whether no format has been seen yet.
func (f VideoFormat) IsZero() bool {
	return f == VideoFormat{}
}

// ParseVideoFormat extracts media type, memory feature, format and size from a
// caps string such as
//
//	video/x-raw(memory:D3D11Memory), format=(string)RGBA, width=(int)1280, height=(int)720
//
// Only the first structure is considered.
func ParseVideoFormat(caps string) (VideoFormat, error) {
	var vf VideoFormat

	caps = strings.TrimSpace(caps)
	if i := strings.IndexByte(caps, ';'); i >= 0 {
		caps = caps[:i]
	}
	if caps == "" {
		return vf, fmt.Errorf("engine: empty caps")
	}

	fields := strings.Split(caps, ",")
	head := strings.TrimSpace(fields[0])
	if open := strings.IndexByte(head, '('); open >= 0 {
		end := strings.IndexByte(head, ')')
		if end < open {
			return vf, fmt.Errorf("engine: malformed caps features in %q", head)
		}
		vf.Memory = head[open+1 : end]
		head = head[:open]
	}
	vf.Media = head

	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			continue
		}
		value = stripCapsType(value)

		switch strings.TrimSpace(key) {
		case "format":
			vf.Format = value
		case "width":
			n, err := strconv.Atoi(value)
			if err != nil {
				return vf, fmt.Errorf("engine: invalid width %q: %w", value, err)
			}
			vf.Width = n
		case "height":
			n, err := strconv.Atoi(value)
			if err != nil {
				return vf, fmt.Errorf("engine: invalid height %q: %w", value, err)
			}
			vf.Height = n
		}
	}

	if vf.Width <= 0 || vf.Height <= 0 {
		return vf, fmt.Errorf("engine: caps without size: %q", caps)
	}
	return vf, nil
}

// stripCapsType removes the "(type)" prefix of a serialized caps value.
func stripCapsType(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "(") {
		if end := strings.IndexByte(v, ')'); end > 0 {
			v = v[end+1:]
		}
	}
	return strings.Trim(v, "\" ")
}

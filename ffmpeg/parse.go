package ffmpeg

import (
	"regexp"
	"strconv"
	"strings"
)

// ffmpeg reports progress in two incompatible shapes. The classic shape is a
// free-form stderr line mixing several fields:
//
//	frame=  120 fps= 30 size=  512kB time=00:00:04.00 bitrate=1048.6kbits/s speed=1.01x
//
// The machine shape (-progress pipe:1) is a run of single key=value lines
// terminated by a "progress=..." line, accumulated into one block.
var (
	timePattern    = regexp.MustCompile(`(?i)time=\s*(\d+:\d+:\d+(?:\.\d+)?)`)
	framePattern   = regexp.MustCompile(`(?i)frame=\s*(\d+)`)
	fpsPattern     = regexp.MustCompile(`(?i)fps=\s*([\d.]+)`)
	speedPattern   = regexp.MustCompile(`(?i)speed=\s*([\d.+-]+)x`)
	sizePattern    = regexp.MustCompile(`(?i)size=\s*([\d.]+)(kB|MB|GB)`)
	bitratePattern = regexp.MustCompile(`(?i)bitrate=\s*([\d.]+)kbits/s`)

	// A machine-format line is exactly one key=value pair with no spaces.
	machineKVPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*=\S*$`)
)

// ParsedProgress is one decoded progress report. Fields are pointers so a
// missing field is distinguishable from a zero value.
type ParsedProgress struct {
	Raw         string
	Frame       *int64
	FPS         *float64
	TimeSeconds *float64
	Speed       *float64
	TotalSizeKB *float64
	BitrateKbps *float64
}

// fieldCount is the number of populated fields. A line must carry at least
// two to count as a genuine progress report; this guards against unrelated
// log lines that happen to contain one matching token.
func (p *ParsedProgress) fieldCount() int {
	n := 0
	for _, set := range []bool{
		p.Frame != nil, p.FPS != nil, p.TimeSeconds != nil,
		p.Speed != nil, p.TotalSizeKB != nil, p.BitrateKbps != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// parseClassicLine decodes one classic-format line, or nil if the line is not
// a progress report.
func parseClassicLine(line string) *ParsedProgress {
	if !strings.Contains(line, "frame=") && !strings.Contains(line, "time=") {
		return nil
	}

	p := &ParsedProgress{Raw: line}

	if m := framePattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			p.Frame = &v
		}
	}
	if m := fpsPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.FPS = &v
		}
	}
	if m := timePattern.FindStringSubmatch(line); m != nil {
		if v, ok := clockToSeconds(m[1]); ok {
			p.TimeSeconds = &v
		}
	}
	if m := speedPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.Speed = &v
		}
	}
	if m := sizePattern.FindStringSubmatch(line); m != nil {
		if v, ok := sizeToKB(m[1], m[2]); ok {
			p.TotalSizeKB = &v
		}
	}
	if m := bitratePattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.BitrateKbps = &v
		}
	}

	if p.fieldCount() < 2 {
		return nil
	}
	return p
}

// parseMachineBlock decodes one accumulated key=value block, or nil when too
// few fields parsed.
func parseMachineBlock(block map[string]string, rawLines []string) *ParsedProgress {
	if len(block) == 0 {
		return nil
	}

	p := &ParsedProgress{Raw: strings.Join(rawLines, "\n")}

	if raw, ok := block["frame"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			frame := int64(v)
			p.Frame = &frame
		}
	}
	if raw, ok := block["fps"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			p.FPS = &v
		}
	}
	if raw, ok := block["out_time_ms"]; ok {
		// out_time_ms is microseconds despite the name.
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			secs := v / 1_000_000.0
			p.TimeSeconds = &secs
		}
	}
	if raw, ok := block["speed"]; ok {
		if v, ok := parseSpeed(raw); ok {
			p.Speed = &v
		}
	}
	if raw, ok := block["total_size"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			kb := v / 1024.0
			p.TotalSizeKB = &kb
		}
	}
	if raw, ok := block["bitrate"]; ok {
		if m := bitratePattern.FindStringSubmatch("bitrate=" + strings.TrimSpace(raw)); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				p.BitrateKbps = &v
			}
		}
	}

	if p.fieldCount() < 2 {
		return nil
	}
	return p
}

// isMachineKVLine reports whether a line belongs to a -progress block rather
// than the classic stderr stream.
func isMachineKVLine(line string) bool {
	return machineKVPattern.MatchString(line)
}

func clockToSeconds(raw string) (float64, bool) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return 0, false
	}
	vals := make([]float64, 3)
	for i, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, false
		}
		vals[i] = v
	}
	return vals[0]*3600 + vals[1]*60 + vals[2], true
}

func sizeToKB(value, unit string) (float64, bool) {
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(unit) {
	case "kb":
		return n, true
	case "mb":
		return n * 1024, true
	case "gb":
		return n * 1024 * 1024, true
	}
	return 0, false
}

func parseSpeed(raw string) (float64, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "x")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

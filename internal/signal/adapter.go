// Package signal keeps per-intersection traffic light state and converts the
// formats field controllers send into it.
package signal

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/goccy/go-json"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// Junction is one entry of a controller phase report, e.g.
// {"路口": 0, "信号": "ETWT", "排队车辆": 4}.
type Junction struct {
	ID    int    `json:"junction"`
	Code  string `json:"signal"`
	Queue int    `json:"queue"`
}

// Key aliases accepted for each Junction field.
var (
	junctionIDKeys    = []string{"junction", "路口", "id"}
	junctionCodeKeys  = []string{"signal", "信号", "code"}
	junctionQueueKeys = []string{"queue", "排队车辆"}
)

// UnmarshalJSON accepts both the Chinese and English key spellings.
func (j *Junction) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*j = junctionFromMap(raw)
	return nil
}

func junctionFromMap(raw map[string]any) Junction {
	var j Junction
	if v, ok := lookup(raw, junctionIDKeys); ok {
		j.ID = toInt(v)
	}
	if v, ok := lookup(raw, junctionCodeKeys); ok {
		j.Code, _ = v.(string)
	}
	if v, ok := lookup(raw, junctionQueueKeys); ok {
		j.Queue = toInt(v)
	}
	return j
}

func lookup(m map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(n))
		return i
	}
	return 0
}

var codeDirections = map[byte]model.Direction{
	'N': model.NorthBound,
	'S': model.SouthBound,
	'E': model.EastBound,
	'W': model.WestBound,
}

// ParseJunctionCode decodes a four-character phase code. Each pair is an
// approach letter (N, S, E, W) followed by a movement: T through, L left
// turn, R right turn. "ETWT" gives east and west through green; "NLSL" gives
// north and south left-turn green. Right turns do not change any head.
// Malformed codes report ok=false and grant nothing.
func ParseJunctionCode(code string) (through, left []model.Direction, ok bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 4 {
		return nil, nil, false
	}
	for i := 0; i < 4; i += 2 {
		dir, known := codeDirections[code[i]]
		if !known {
			return nil, nil, false
		}
		switch code[i+1] {
		case 'T':
			through = append(through, dir)
		case 'L':
			// A left grant lights the left-turn head only, never the
			// through head; controllers that send "NLSL" during a
			// protected left phase keep through traffic at red.
			left = append(left, dir)
		case 'R':
			// No head for right turns.
		default:
			return nil, nil, false
		}
	}
	return through, left, true
}

// FromJunctions merges every junction's grants into one all-red status.
func FromJunctions(intersectionID int, junctions []Junction) model.SignalStatus {
	s := model.AllRed(intersectionID)
	for _, j := range junctions {
		through, left, ok := ParseJunctionCode(j.Code)
		if !ok {
			continue
		}
		for _, d := range through {
			s.Signals[d] = model.ColorGreen
		}
		for _, d := range left {
			s.LeftTurnSignals[d] = model.ColorGreen
		}
	}
	return s
}

// ParseJunctionText reads the line format
//
//	路口0: 信号=ETWT, 排队车辆=4
//	junction1: signal=NTST, queue=0
//
// Lines without a signal assignment are skipped.
func ParseJunctionText(text string) []Junction {
	var out []Junction
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		j, ok := parseJunctionLine(line)
		if ok {
			out = append(out, j)
		}
	}
	return out
}

func parseJunctionLine(line string) (Junction, bool) {
	var j Junction
	head, rest, found := strings.Cut(line, ":")
	if !found {
		rest = head
		head = ""
	}
	j.ID = leadingDigits(head)

	haveCode := false
	for _, part := range strings.FieldsFunc(rest, func(r rune) bool { return r == ',' || r == '，' }) {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch {
		case containsKey(junctionCodeKeys, key):
			j.Code = val
			haveCode = true
		case containsKey(junctionQueueKeys, key):
			j.Queue, _ = strconv.Atoi(val)
		}
	}
	return j, haveCode
}

func containsKey(keys []string, k string) bool {
	for _, key := range keys {
		if strings.EqualFold(key, k) {
			return true
		}
	}
	return false
}

func leadingDigits(s string) int {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	n, _ := strconv.Atoi(b.String())
	return n
}

// FormatJunction renders j in the English line format.
func FormatJunction(j Junction) string {
	return fmt.Sprintf("junction%d: signal=%s, queue=%d", j.ID, j.Code, j.Queue)
}
